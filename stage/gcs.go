package stage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/nasa-jpl/isim/comm"
)

// GCS is a Mover for a PI piezo controller speaking the GCS2 language
type GCS struct {
	*comm.RemoteDevice

	Axis string
}

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 5 * time.Second}
}

// NewGCS returns a controller at addr, a host:port or a serial device
func NewGCS(addr, axis string, serial bool) *GCS {
	terms := comm.Terminators{Rx: '\n', Tx: '\n'}
	rd := comm.NewRemoteDevice(addr, serial, &terms, makeSerConf(addr))
	return &GCS{RemoteDevice: &rd, Axis: axis}
}

// Position satisfies Mover.  "POS? A" -> "A=+0080.4106"
func (g *GCS) Position(ctx context.Context) (float64, error) {
	if g.Axis == "" {
		return 0, ErrNoAxis
	}
	resp, err := g.OpenSendRecvClose([]byte("POS? " + g.Axis))
	if err != nil {
		return 0, err
	}
	s := string(resp)
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed position response %q, is the axis online", s)
	}
	return strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
}

// MoveTo satisfies Mover.  The controller does not acknowledge MOV, so the
// error queue is read back to catch a rejected move.
func (g *GCS) MoveTo(ctx context.Context, z float64) error {
	if g.Axis == "" {
		return ErrNoAxis
	}
	cmd := strings.Join([]string{"MOV", g.Axis, strconv.FormatFloat(z, 'G', -1, 64)}, " ")
	g.Lock()
	defer g.Unlock()
	if err := g.Open(); err != nil {
		return err
	}
	defer g.Close()
	if err := g.Send([]byte(cmd)); err != nil {
		return err
	}
	resp, err := g.SendRecv([]byte("ERR?"))
	if err != nil {
		return err
	}
	if code := strings.TrimSpace(string(resp)); code != "0" {
		return fmt.Errorf("controller rejected %q with error %s", cmd, code)
	}
	return nil
}
