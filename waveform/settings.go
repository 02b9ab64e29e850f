package waveform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptySequence is generated when the settings select no (channel, slice) pairs
	ErrEmptySequence = errors.New("settings yield zero frames; are there channels in the MDA window?")

	// ErrUnknownChannel is generated when a channel name has no AOTF mapping
	ErrUnknownChannel = errors.New("channel has no AOTF line mapping")

	// ErrMissingChannel is generated when a requested channel is absent from the settings
	ErrMissingChannel = errors.New("channel not present in settings")

	// ErrShape is generated when matrices with different row counts are concatenated
	ErrShape = errors.New("matrices do not share a row count")

	// ErrInvalidSettings is generated by Settings.Validate
	ErrInvalidSettings = errors.New("invalid acquisition settings")
)

// Order is the nesting of slices and channels within a timepoint
type Order int

const (
	// ChannelsThenSlices visits every enabled channel at one slice before moving the stage
	ChannelsThenSlices Order = iota

	// SlicesThenChannels sweeps the whole stack for one channel before switching channel
	SlicesThenChannels
)

// String returns the kebab-case name of the order
func (o Order) String() string {
	switch o {
	case ChannelsThenSlices:
		return "channels-then-slices"
	case SlicesThenChannels:
		return "slices-then-channels"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// ParseOrder converts a string to an Order.  The integer forms used by
// Micro-Manager ("0", "1") are accepted as well.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "channels-then-slices", "0":
		return ChannelsThenSlices, nil
	case "slices-then-channels", "1":
		return SlicesThenChannels, nil
	default:
		return 0, fmt.Errorf("order must be a member of {channels-then-slices, slices-then-channels}, got %q", s)
	}
}

// MarshalText satisfies encoding.TextMarshaler
func (o Order) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (o *Order) UnmarshalText(b []byte) error {
	parsed, err := ParseOrder(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// UnmarshalJSON accepts both the string and the integer encodings
func (o *Order) UnmarshalJSON(b []byte) error {
	var i int
	if err := json.Unmarshal(b, &i); err == nil {
		return o.UnmarshalText([]byte(fmt.Sprint(i)))
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return o.UnmarshalText([]byte(s))
}

// Channel is the per-channel part of the acquisition settings
type Channel struct {
	// Name is the channel name, one of "488", "561", "LED"
	Name string `json:"name" yaml:"name"`

	// Use is true if the channel takes part in multi-channel acquisitions
	Use bool `json:"use" yaml:"use"`

	// Exposure is the exposure time, ms
	Exposure float64 `json:"exposure_ms" yaml:"exposure_ms"`

	// Power is the laser power in percent of max
	Power float64 `json:"power_percent" yaml:"power_percent"`
}

// Settings is a snapshot of the acquisition settings.
// Treat it as immutable once handed to a builder; use Clone to derive
// a modified copy.
type Settings struct {
	// Channels are in the order they appear in the acquisition dialog
	Channels []Channel `json:"channels" yaml:"channels"`

	// Slices are the z offsets, um
	Slices []float64 `json:"slices" yaml:"slices"`

	SweepsPerFrame int `json:"sweeps_per_frame" yaml:"sweeps_per_frame"`

	// IntervalMs is the time between timepoint starts, ms
	IntervalMs float64 `json:"interval_ms" yaml:"interval_ms"`

	// PreDelay and PostDelay are idle times around each exposure, seconds
	PreDelay  float64 `json:"pre_delay" yaml:"pre_delay"`
	PostDelay float64 `json:"post_delay" yaml:"post_delay"`

	Timepoints int `json:"timepoints" yaml:"timepoints"`

	UseSlices   bool  `json:"use_slices" yaml:"use_slices"`
	UseChannels bool  `json:"use_channels" yaml:"use_channels"`
	Order       Order `json:"acq_order" yaml:"acq_order"`
}

// DefaultSettings is a single 488 channel, single timepoint configuration
func DefaultSettings() Settings {
	return Settings{
		Channels: []Channel{
			{Name: "488", Use: true, Exposure: 100, Power: 10},
			{Name: "561", Use: false, Exposure: 100, Power: 10},
		},
		Slices:         []float64{0},
		SweepsPerFrame: 1,
		PostDelay:      0.03,
		Timepoints:     1,
		Order:          ChannelsThenSlices,
	}
}

// Clone returns a deep copy of s
func (s Settings) Clone() Settings {
	out := s
	out.Channels = append([]Channel(nil), s.Channels...)
	out.Slices = append([]float64(nil), s.Slices...)
	return out
}

// Channel returns the channel with a given name
func (s Settings) Channel(name string) (Channel, bool) {
	for _, c := range s.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return Channel{}, false
}

// Enabled returns the channels with Use == true, in order
func (s Settings) Enabled() []Channel {
	var out []Channel
	for _, c := range s.Channels {
		if c.Use {
			out = append(out, c)
		}
	}
	return out
}

// WithExposure returns a copy of s with the exposure of one channel replaced.
// ok is false if the channel does not exist, in which case s is returned unchanged.
func (s Settings) WithExposure(name string, ms float64) (Settings, bool) {
	out := s.Clone()
	for i := range out.Channels {
		if out.Channels[i].Name == name {
			out.Channels[i].Exposure = ms
			return out, true
		}
	}
	return s, false
}

// Validate checks the invariants of the settings
func (s Settings) Validate() error {
	if s.SweepsPerFrame < 1 {
		return fmt.Errorf("%w: sweeps per frame %d < 1", ErrInvalidSettings, s.SweepsPerFrame)
	}
	for _, c := range s.Channels {
		if !(c.Exposure > 0) {
			return fmt.Errorf("%w: channel %s exposure %f <= 0", ErrInvalidSettings, c.Name, c.Exposure)
		}
	}
	if s.PreDelay < 0 || s.PostDelay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidSettings)
	}
	if s.Timepoints < 0 {
		return fmt.Errorf("%w: negative timepoint count", ErrInvalidSettings)
	}
	return nil
}
