package waveform

import (
	"fmt"

	"github.com/nasa-jpl/isim/mathx"
)

// Composer turns settings into frames and timepoints using a fixed set of
// channel generators.  The AOTF powers change at runtime; everything else
// comes from the bench Constants.
type Composer struct {
	Consts      Constants
	Galvo       Galvo
	Stage       Stage
	Camera      Camera
	AOTF        AOTF
	Brightfield Brightfield
}

// NewComposer returns a Composer with generators configured from c
func NewComposer(c Constants) *Composer {
	return &Composer{
		Consts:      c,
		Galvo:       Galvo{Offset: c.GalvoOffset, Amplitude: c.GalvoAmplitude, Parking: c.ParkingVoltage},
		Stage:       Stage{Calibration: c.StageCalibration, MaxVoltage: c.StageMaxVoltage},
		Camera:      Camera{Voltage: c.CameraVoltage},
		AOTF:        AOTF{BlankVoltage: c.BlankVoltage},
		Brightfield: Brightfield{Voltage: c.LEDVoltage},
	}
}

// LEDLevel is the level the brightfield pulse settles at, which is what the
// LED is held at during brightfield live view
func (c *Composer) LEDLevel(t Timing) float64 {
	row := c.Brightfield.OneFrame(t)
	if len(row) == 0 {
		return c.Brightfield.Voltage
	}
	return row[len(row)-1]
}

// frame stacks the rows of one exposure.  galvo and camera do not depend on
// the channel or slice and are computed once per timepoint by the caller.
func (c *Composer) frame(t Timing, d Delays, galvo, camera []float64, channel string, zOffset float64) (Matrix, error) {
	aotf, err := c.AOTF.OneFrame(t, d, channel)
	if err != nil {
		return nil, err
	}
	stage := c.Stage.OneFrame(t, d, zOffset)
	m := VStack(Row(galvo), Row(stage), Row(camera), aotf)
	return m, m.Validate()
}

// Frame builds the six rows of a single exposure of one channel at one z offset
func (c *Composer) Frame(t Timing, d Delays, channel string, zOffset float64) (Matrix, error) {
	return c.frame(t, d, c.Galvo.OneFrame(t, d), c.Camera.OneFrame(t, d), channel, zOffset)
}

// Timepoint builds every exposure of one timepoint.
//
// If live is not empty, or the settings use neither slices nor channels, a
// single frame is produced for the live (or reference) channel with the post
// delay shortened to Consts.LivePostDelay.  Otherwise the enabled channels and
// slices are nested according to s.Order.  zInverse reverses the slice
// traversal of ChannelsThenSlices so that pairs of timepoints ping-pong the stage.
func (c *Composer) Timepoint(s Settings, t Timing, live string, zInverse bool) (Matrix, error) {
	if live != "" || (!s.UseChannels && !s.UseSlices) {
		return c.singleFrame(s, t, live)
	}

	channels := s.Enabled()
	if !s.UseChannels {
		ref, ok := s.Channel(c.Consts.ReferenceChannel)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingChannel, c.Consts.ReferenceChannel)
		}
		channels = []Channel{ref}
	}
	slices := s.Slices
	if !s.UseSlices {
		slices = []float64{0}
	}
	if len(channels) == 0 || len(slices) == 0 {
		return nil, ErrEmptySequence
	}

	d := delaysOf(s)
	galvo := c.Galvo.OneFrame(t, d)
	camera := c.Camera.OneFrame(t, d)
	switch s.Order {
	case ChannelsThenSlices:
		return c.channelsThenSlices(t, d, galvo, camera, channels, slices, zInverse)
	case SlicesThenChannels:
		return c.slicesThenChannels(t, d, galvo, camera, channels, slices)
	default:
		return nil, fmt.Errorf("unknown acquisition order %v", s.Order)
	}
}

func (c *Composer) singleFrame(s Settings, t Timing, live string) (Matrix, error) {
	name := live
	if name == "" {
		name = c.Consts.ReferenceChannel
	}
	if _, ok := s.Channel(name); !ok && name != "LED" {
		return nil, fmt.Errorf("%w: %s", ErrMissingChannel, name)
	}
	d := Delays{Pre: s.PreDelay, Post: c.Consts.LivePostDelay}
	return c.Frame(t, d, name, 0)
}

func reversed(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

func (c *Composer) channelsThenSlices(t Timing, d Delays, galvo, camera []float64, channels []Channel, slices []float64, zInverse bool) (Matrix, error) {
	order := slices
	if zInverse {
		order = reversed(slices)
	}
	frames := make([]Matrix, 0, len(order)*len(channels))
	for _, sli := range order {
		for _, ch := range channels {
			f, err := c.frame(t, d, galvo, camera, ch.Name, sli-slices[0])
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
	}
	return HStack(frames...)
}

func (c *Composer) slicesThenChannels(t Timing, d Delays, galvo, camera []float64, channels []Channel, slices []float64) (Matrix, error) {
	backward := reversed(slices)
	frames := make([]Matrix, 0, len(slices)*len(channels))
	for i, ch := range channels {
		order := slices
		if i%2 == 1 {
			order = backward
		}
		for _, sli := range order {
			f, err := c.frame(t, d, galvo, camera, ch.Name, sli-slices[0])
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
	}
	return HStack(frames...)
}

// Idle returns n columns of idle samples: galvo parked, stage held at
// stageLevel, all other rows at zero
func (c *Composer) Idle(n int, stageLevel float64) Matrix {
	m := make(Matrix, NumRows)
	for i := range m {
		m[i] = make([]float64, n)
	}
	m[RowGalvo] = mathx.Full(n, c.Galvo.Parking)
	m[RowStage] = mathx.Full(n, stageLevel)
	return m
}

// Parked is the single sample that leaves the outputs in a safe state:
// galvo parked, everything else at zero
func (c *Composer) Parked() Matrix {
	return c.Idle(1, 0)
}
