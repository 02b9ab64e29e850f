package mathx_test

import (
	"fmt"
	"testing"

	"github.com/nasa-jpl/isim/mathx"
)

func ExampleLinspace() {
	fmt.Println(mathx.Linspace(0, 1, 5))
	// Output: [0 0.25 0.5 0.75 1]
}

func ExampleRoundInt() {
	fmt.Println(mathx.RoundInt(0.5), mathx.RoundInt(1.5), mathx.RoundInt(2.5), mathx.RoundInt(2.6))
	// Output: 0 2 2 3
}

func TestLinspaceDegenerate(t *testing.T) {
	if l := mathx.Linspace(1, 2, 0); len(l) != 0 {
		t.Errorf("expected empty slice for n=0, got %v", l)
	}
	if l := mathx.Linspace(3, 2, 1); len(l) != 1 || l[0] != 3 {
		t.Errorf("expected [3] for n=1, got %v", l)
	}
}

func TestLinspaceEndpoints(t *testing.T) {
	l := mathx.Linspace(-0.75, 0.75, 250)
	if l[0] != -0.75 || l[len(l)-1] != 0.75 {
		t.Errorf("expected endpoints -0.75, 0.75 got %f, %f", l[0], l[len(l)-1])
	}
}

func TestFull(t *testing.T) {
	f := mathx.Full(3, -3)
	for i, v := range f {
		if v != -3 {
			t.Errorf("expected -3 at position %d, got %f", i, v)
		}
	}
	if len(mathx.Full(-1, 2)) != 0 {
		t.Error("expected negative length to yield an empty slice")
	}
}

func TestRoundUnit(t *testing.T) {
	if got := mathx.Round(0.125, 0.01); got < 0.119 || got > 0.121 {
		t.Errorf("expected 0.12 got %f", got)
	}
}
