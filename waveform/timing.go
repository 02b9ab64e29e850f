package waveform

import (
	"github.com/nasa-jpl/isim/mathx"
)

// Constants holds the instrument calibration and the fixed timing knobs.
// These are properties of the bench, not of an acquisition.
type Constants struct {
	// BaseRate is the number of samples in one sweep
	BaseRate int `koanf:"base_rate" yaml:"base_rate"`

	// PulseSamples is the width of the trigger/blanking pulses, samples
	PulseSamples int `koanf:"pulse_samples" yaml:"pulse_samples"`

	// ReferenceChannel sets the frame timing
	ReferenceChannel string `koanf:"reference_channel" yaml:"reference_channel"`

	// DefaultExposure is used when the reference channel is missing, ms
	DefaultExposure float64 `koanf:"default_exposure_ms" yaml:"default_exposure_ms"`

	GalvoOffset    float64 `koanf:"galvo_offset" yaml:"galvo_offset"`
	GalvoAmplitude float64 `koanf:"galvo_amplitude" yaml:"galvo_amplitude"`
	ParkingVoltage float64 `koanf:"parking_voltage" yaml:"parking_voltage"`

	// StageCalibration is the stage travel in um at StageMaxVoltage
	StageCalibration float64 `koanf:"stage_calibration_um" yaml:"stage_calibration_um"`
	StageMaxVoltage  float64 `koanf:"stage_max_voltage" yaml:"stage_max_voltage"`

	CameraVoltage float64 `koanf:"camera_voltage" yaml:"camera_voltage"`
	BlankVoltage  float64 `koanf:"blank_voltage" yaml:"blank_voltage"`
	LEDVoltage    float64 `koanf:"led_voltage" yaml:"led_voltage"`

	// LivePostDelay replaces the post delay for single frame timepoints, seconds
	LivePostDelay float64 `koanf:"live_post_delay" yaml:"live_post_delay"`

	// LiveTileMs is the approximate duration of one live buffer, ms
	LiveTileMs float64 `koanf:"live_tile_ms" yaml:"live_tile_ms"`
}

// DefaultConstants returns the calibration of the iSIM bench
func DefaultConstants() Constants {
	return Constants{
		BaseRate:         500,
		PulseSamples:     10,
		ReferenceChannel: "488",
		DefaultExposure:  100,
		GalvoOffset:      -0.15,
		GalvoAmplitude:   0.75,
		ParkingVoltage:   -3,
		StageCalibration: 202.161,
		StageMaxVoltage:  10,
		CameraVoltage:    5,
		BlankVoltage:     10,
		LEDVoltage:       0.3,
		LivePostDelay:    0.03,
		LiveTileMs:       200,
	}
}

// Timing holds the sampling parameters derived from a Settings.
// It must be recomputed before any build that follows a settings change.
type Timing struct {
	// Exposure is the reference exposure the timing was derived from, ms
	Exposure float64 `json:"exposure_ms"`

	// ExposureFallback is true if the reference channel was missing
	// and DefaultExposure was used
	ExposureFallback bool `json:"exposure_fallback"`

	SweepsPerFrame int `json:"sweeps_per_frame"`

	// FrameRate is in Hz
	FrameRate float64 `json:"frame_rate"`

	// SampleRate is the output clock, samples/s
	SampleRate float64 `json:"sample_rate"`

	SamplesPerFrame int `json:"samples_per_frame"`

	// DutyCycle is the fraction of a frame a pulse spends at its start level
	DutyCycle float64 `json:"duty_cycle"`
}

// NewTiming derives the sampling parameters from settings.
// A sweeps per frame below one is treated as one.
func NewTiming(s Settings, c Constants) Timing {
	t := Timing{SweepsPerFrame: s.SweepsPerFrame}
	if t.SweepsPerFrame < 1 {
		t.SweepsPerFrame = 1
	}
	ch, ok := s.Channel(c.ReferenceChannel)
	if ok && ch.Exposure > 0 {
		t.Exposure = ch.Exposure
	} else {
		t.Exposure = c.DefaultExposure
		t.ExposureFallback = true
	}
	spf := float64(t.SweepsPerFrame)
	t.FrameRate = 1 / (t.Exposure * spf / 1000)
	t.SampleRate = float64(mathx.RoundInt(float64(c.BaseRate) * t.FrameRate * spf * spf))
	t.SamplesPerFrame = c.BaseRate * t.SweepsPerFrame
	t.DutyCycle = float64(c.PulseSamples) / float64(t.SamplesPerFrame)
	return t
}

// HighSamples is the number of samples a pulse spends at its start level
func (t Timing) HighSamples() int {
	n := mathx.RoundInt(t.DutyCycle * float64(t.SamplesPerFrame))
	if n > t.SamplesPerFrame {
		n = t.SamplesPerFrame
	}
	return n
}

// DelaySamples converts an idle time in seconds to a sample count.
// Non-positive delays are zero samples.
func (t Timing) DelaySamples(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return mathx.RoundInt(t.SampleRate * seconds)
}

// IntervalSamples converts an interval in ms to a sample count
func (t Timing) IntervalSamples(ms float64) int {
	return t.DelaySamples(ms / 1000)
}

// FramePeriodMs is the duration of one frame without delays, ms
func (t Timing) FramePeriodMs() float64 {
	return 1000 / t.FrameRate
}
