package sequencer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"too few channels", func(c *Config) { c.Channels = c.Channels[:5] }},
		{"duplicate channel", func(c *Config) { c.Channels[5] = c.Channels[0] }},
		{"zero rate", func(c *Config) { c.Waveform.BaseRate = 0 }},
		{"zero calibration", func(c *Config) { c.Waveform.StageCalibration = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mod(&c)
			assert.ErrorIs(t, c.Validate(), ErrConfig)
		})
	}
}
