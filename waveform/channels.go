package waveform

import (
	"fmt"

	"github.com/nasa-jpl/isim/mathx"
)

// Galvo generates the scan mirror row
type Galvo struct {
	// Offset is the center voltage of the scan
	Offset float64

	// Amplitude is the half-excursion of the scan
	Amplitude float64

	// Parking is the voltage the mirror idles at
	Parking float64
}

// OneFrame builds one sweep as a down/up/down ramp proportioned 1:2:1,
// tiles it SweepsPerFrame times and pads the result with the parking voltage
func (g Galvo) OneFrame(t Timing, d Delays) []float64 {
	var (
		n   = t.SamplesPerFrame
		spf = float64(t.SweepsPerFrame)
	)
	sweepLen := mathx.RoundInt(float64(n) / spf)
	quarter := mathx.RoundInt(float64(n) / (4 * spf))
	half := mathx.RoundInt(float64(n) / (2 * spf))
	rest := sweepLen - quarter - half

	sweep := make([]float64, 0, sweepLen)
	sweep = append(sweep, mathx.Linspace(0, -g.Amplitude, quarter)...)
	sweep = append(sweep, mathx.Linspace(-g.Amplitude, g.Amplitude, half)...)
	sweep = append(sweep, mathx.Linspace(g.Amplitude, 0, rest)...)

	frame := make([]float64, n)
	if len(sweep) > 0 {
		for i := 0; i < n; i++ {
			frame[i] = sweep[i%len(sweep)] + g.Offset
		}
	}
	return padRow(frame, t.DelaySamples(d.Pre), t.DelaySamples(d.Post), g.Parking, g.Parking)
}

// Stage generates the z-stage row
type Stage struct {
	// Calibration is the travel in um at MaxVoltage
	Calibration float64

	MaxVoltage float64
}

// ConvertZ converts a z offset in um to volts
func (s Stage) ConvertZ(um float64) float64 {
	return (um / s.Calibration) * s.MaxVoltage
}

// OneFrame holds the stage at the offset for the whole frame.  The delays hold
// the same level so the stage does not jump during idle time.
func (s Stage) OneFrame(t Timing, d Delays, zOffset float64) []float64 {
	v := s.ConvertZ(zOffset)
	frame := Pulse(t, v, v, 0)
	last := frame[len(frame)-1]
	return padRow(frame, t.DelaySamples(d.Pre), t.DelaySamples(d.Post), last, last)
}

// Camera generates the camera trigger row
type Camera struct {
	Voltage float64
}

// OneFrame emits the trigger pulse at the start of the frame.
// Both delays are appended after the active region; the camera latches the
// trigger, so the pre delay is spent after it.
func (c Camera) OneFrame(t Timing, d Delays) []float64 {
	frame := Pulse(t, c.Voltage, 0, 0)
	return padRow(frame, 0, t.DelaySamples(d.Post)+t.DelaySamples(d.Pre), 0, 0)
}

// AOTF generates the blanking row and one row per laser line
type AOTF struct {
	BlankVoltage float64

	// Power488 and Power561 are in percent of max
	Power488 float64
	Power561 float64
}

// OneFrame returns the blank, 488 and 561 rows for a channel.
// ErrUnknownChannel is returned for names other than 488, 561 and LED.
func (a AOTF) OneFrame(t Timing, d Delays, channel string) (Matrix, error) {
	var p488, p561 float64
	switch channel {
	case "488":
		p488 = a.Power488 / 10
	case "561":
		p561 = a.Power561 / 10
	case "LED":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	pre, post := t.DelaySamples(d.Pre), t.DelaySamples(d.Post)
	m := Matrix{
		padRow(Pulse(t, 0, a.BlankVoltage, 0), pre, post, 0, 0),
		padRow(Pulse(t, 0, p488, 0), pre, post, 0, 0),
		padRow(Pulse(t, 0, p561, 0), pre, post, 0, 0),
	}
	return m, nil
}

// Power returns the power of a laser line in percent, and false for lines
// without AOTF control
func (a AOTF) Power(line string) (float64, bool) {
	switch line {
	case "488":
		return a.Power488, true
	case "561":
		return a.Power561, true
	default:
		return 0, false
	}
}

// Brightfield generates the LED row used for brightfield live view
type Brightfield struct {
	Voltage float64
}

// OneFrame is a single pulse, low for the duty window then at Voltage
func (b Brightfield) OneFrame(t Timing) []float64 {
	return Pulse(t, 0, b.Voltage, 0)
}
