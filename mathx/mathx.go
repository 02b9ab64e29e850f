// Package mathx provides small numeric helpers used to build sample buffers
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Ties go to the even neighbor, so 0.5 => 0 and 1.5 => 2 with unit=1.
func Round(x, unit float64) float64 {
	return math.RoundToEven(x/unit) * unit
}

// RoundInt rounds x half-to-even and returns it as an int
func RoundInt(x float64) int {
	return int(math.RoundToEven(x))
}

// Linspace returns n evenly spaced samples over [start, stop], inclusive of both
// endpoints.  n=1 yields []float64{start}, n<=0 yields an empty slice.
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = start + float64(i)*step
	}
	// avoid accumulated error on the last sample
	out[n-1] = stop
	return out
}

// Full returns a slice of length n filled with v
func Full(n int, v float64) []float64 {
	if n < 0 {
		n = 0
	}
	out := make([]float64, n)
	if v != 0 {
		for i := range out {
			out[i] = v
		}
	}
	return out
}
