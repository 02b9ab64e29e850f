package sequencer

import (
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/isim/util"
	"github.com/nasa-jpl/isim/waveform"
)

// ErrConfig is generated when the instrument configuration is unusable
var ErrConfig = errors.New("invalid configuration")

// Config holds the wiring and fixed delays of the instrument
type Config struct {
	// Channels are the six analog outputs in row order:
	// galvo, stage, camera, blank, 488, 561
	Channels []string `koanf:"channels" yaml:"channels"`

	// StartDelay is waited after an acquisition-started event before building
	StartDelay time.Duration `koanf:"start_delay" yaml:"start_delay"`

	// SettleTime is waited after requesting the first slice
	SettleTime time.Duration `koanf:"settle_time" yaml:"settle_time"`

	// ArmDelay is waited between writing the buffer and starting the clock
	ArmDelay time.Duration `koanf:"arm_delay" yaml:"arm_delay"`

	// FinishDelay is waited after restoring the stage at the end of an acquisition
	FinishDelay time.Duration `koanf:"finish_delay" yaml:"finish_delay"`

	// WriteTimeout bounds the transfer of a finite buffer
	WriteTimeout time.Duration `koanf:"write_timeout" yaml:"write_timeout"`

	Waveform waveform.Constants `koanf:"waveform" yaml:"waveform"`
}

// DefaultConfig returns the configuration of the iSIM bench
func DefaultConfig() Config {
	return Config{
		Channels:     []string{"Dev1/ao0", "Dev1/ao1", "Dev1/ao2", "Dev1/ao3", "Dev1/ao4", "Dev1/ao5"},
		StartDelay:   500 * time.Millisecond,
		SettleTime:   100 * time.Millisecond,
		ArmDelay:     500 * time.Millisecond,
		FinishDelay:  time.Second,
		WriteTimeout: 20 * time.Second,
		Waveform:     waveform.DefaultConstants(),
	}
}

// Validate checks that there is one distinct output per row and that the
// waveform constants can produce a sample rate
func (c Config) Validate() error {
	if len(c.Channels) != waveform.NumRows {
		return fmt.Errorf("%w: %d channels, need %d", ErrConfig, len(c.Channels), waveform.NumRows)
	}
	if len(util.UniqueString(c.Channels)) != len(c.Channels) {
		return fmt.Errorf("%w: duplicate channel in %v", ErrConfig, c.Channels)
	}
	if c.Waveform.BaseRate <= 0 || c.Waveform.PulseSamples <= 0 {
		return fmt.Errorf("%w: base_rate and pulse_samples must be positive", ErrConfig)
	}
	if c.Waveform.StageCalibration == 0 {
		return fmt.Errorf("%w: stage_calibration_um is zero", ErrConfig)
	}
	return nil
}
