/*Package events carries notifications from the microscope-control bridge to
the sequencers.

Events are typed values published to a Dispatcher, which delivers them to the
handlers subscribed to their Kind on a single goroutine, so handlers never run
concurrently with each other.  Some event sources deliver the same
notification twice in quick succession; the dispatcher drops repeats of a kind
that arrive within that kind's suppression window.

Usage:

	d := events.NewDispatcher(events.DefaultWindows(), log)
	d.Subscribe(events.KindLiveMode, func(e events.Event) {
		on := e.(events.LiveModeToggled).On
		...
	})
	go d.Run(ctx)
	d.Publish(events.LiveModeToggled{On: true})
*/
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nasa-jpl/isim/waveform"
)

// Kind identifies the type of an event
type Kind int

const (
	// KindSettings is a new multi-dimensional acquisition configuration
	KindSettings Kind = iota

	// KindProperty is a change of a single device property
	KindProperty

	// KindLiveMode turns live view on or off
	KindLiveMode

	// KindAcquisitionStarted signals the start of an acquisition
	KindAcquisitionStarted

	// KindAcquisitionEnded signals the end of an acquisition
	KindAcquisitionEnded

	// KindStagePosition reports a z stage move made by the control software
	KindStagePosition

	numKinds
)

var kindNames = [...]string{
	KindSettings:           "settings",
	KindProperty:           "property",
	KindLiveMode:           "live",
	KindAcquisitionStarted: "acquisition-started",
	KindAcquisitionEnded:   "acquisition-ended",
	KindStagePosition:      "stage-position",
}

// ErrUnknownKind is generated when decoding an event of a kind not known
var ErrUnknownKind = errors.New("unknown event kind")

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Event is a notification
type Event interface {
	Kind() Kind
}

// SettingsChanged carries a full acquisition configuration
type SettingsChanged struct {
	Settings waveform.Settings `json:"settings"`
}

// PropertyChanged is a device property update, e.g.
// {Device: "488_AOTF", Property: "Power (% of max)", Value: "25"}
type PropertyChanged struct {
	Device   string `json:"device"`
	Property string `json:"property"`
	Value    string `json:"value"`
}

// LiveModeToggled turns live view on or off
type LiveModeToggled struct {
	On bool `json:"on"`
}

// AcquisitionStarted signals that the control software began an acquisition
type AcquisitionStarted struct{}

// AcquisitionEnded signals that the control software finished an acquisition
type AcquisitionEnded struct{}

// StagePosition is a z position reported by the control software, in microns
type StagePosition struct {
	Z float64 `json:"z"`
}

func (SettingsChanged) Kind() Kind    { return KindSettings }
func (PropertyChanged) Kind() Kind    { return KindProperty }
func (LiveModeToggled) Kind() Kind    { return KindLiveMode }
func (AcquisitionStarted) Kind() Kind { return KindAcquisitionStarted }
func (AcquisitionEnded) Kind() Kind   { return KindAcquisitionEnded }
func (StagePosition) Kind() Kind      { return KindStagePosition }

// envelope is the wire form of an event,
// {"kind": "property", "data": {"device": ..., "property": ..., "value": ...}}
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses the JSON wire form of an event
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	k, err := ParseKind(env.Kind)
	if err != nil {
		return nil, err
	}
	var e Event
	switch k {
	case KindSettings:
		s := SettingsChanged{Settings: waveform.DefaultSettings()}
		err = unmarshalData(env.Data, &s)
		e = s
	case KindProperty:
		var p PropertyChanged
		err = unmarshalData(env.Data, &p)
		e = p
	case KindLiveMode:
		var l LiveModeToggled
		err = unmarshalData(env.Data, &l)
		e = l
	case KindAcquisitionStarted:
		e = AcquisitionStarted{}
	case KindAcquisitionEnded:
		e = AcquisitionEnded{}
	case KindStagePosition:
		var p StagePosition
		err = unmarshalData(env.Data, &p)
		e = p
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", k, err)
	}
	return e, nil
}

func unmarshalData(b json.RawMessage, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// Encode produces the JSON wire form of an event
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if string(data) == "{}" {
		data = nil
	}
	return json.Marshal(envelope{Kind: e.Kind().String(), Data: data})
}
