/*Package sequencer streams the waveforms of the iSIM to the analog outputs.

A Device reacts to events from the microscope-control software.  It keeps the
current settings and timing, owns the single hardware task slot and hands it to
either its Live sequencer, which streams a short tile until told to stop, or
its Acquisition sequencer, which plays one finite buffer per acquisition.

Event handlers run serially on the dispatcher goroutine.  The only code that
runs elsewhere is the refill callback of the live stream, which reads the
current tile and the stop flag atomically and never blocks.

Usage:

	disp := events.NewDispatcher(events.DefaultWindows(), log)
	dev := sequencer.New(daq.NewSim(log), disp, log,
		sequencer.WithStage(stage.NewMock(0)))
	if err := dev.Attach(ctx); err != nil {
		...
	}
	go disp.Run(ctx)
	disp.Publish(events.LiveModeToggled{On: true})
*/
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/isim/brightfield"
	"github.com/nasa-jpl/isim/daq"
	"github.com/nasa-jpl/isim/events"
	"github.com/nasa-jpl/isim/stage"
	"github.com/nasa-jpl/isim/util"
	"github.com/nasa-jpl/isim/waveform"
)

var (
	// ErrContention is generated when an acquisition is declined because EDA
	// owns the hardware
	ErrContention = errors.New("EDA is active, acquisition declined")

	// ErrNotAcquiring is generated when finishing an acquisition that never ran
	ErrNotAcquiring = errors.New("no acquisition running")

	// ErrPropertyValue is generated when a property event carries a value the
	// outputs cannot take.  The previous value is kept.
	ErrPropertyValue = errors.New("property value out of range")
)

// property names used by the control software
const (
	powerProperty   = "Power (% of max)"
	triggerInternal = "Internal Trigger"
	edaOff          = "Off"
)

// Option configures a Device
type Option func(*Device)

// WithConfig replaces DefaultConfig
func WithConfig(c Config) Option {
	return func(d *Device) { d.cfg = c }
}

// WithSettings sets the initial acquisition settings
func WithSettings(s waveform.Settings) Option {
	return func(d *Device) { d.settings = s.Clone() }
}

// WithStage sets the stage used to move to the first slice
func WithStage(m stage.Mover) Option {
	return func(d *Device) { d.stage = m }
}

// WithBrightfield sets the LED and flipper controller
func WithBrightfield(c *brightfield.Controller) Option {
	return func(d *Device) { d.bf = c }
}

// WithLocker sets a lock held for the duration of every acquisition,
// e.g. the locker guarding the HTTP routes
func WithLocker(l sync.Locker) Option {
	return func(d *Device) { d.locker = l }
}

// Device is the orchestrator
type Device struct {
	cfg    Config
	log    zerolog.Logger
	disp   *events.Dispatcher
	slot   *daq.Slot
	stage  stage.Mover
	bf     *brightfield.Controller
	locker sync.Locker

	Live        *Live
	Acquisition *Acquisition

	ctx context.Context

	mu       sync.Mutex
	comp     waveform.Composer
	settings waveform.Settings
	timing   waveform.Timing
	stageZ   float64
	haveZ    bool
	attached []func()
	acqSubs  []func()

	eda       atomic.Bool
	acquiring atomic.Bool
}

// New returns a Device driving drv and listening to disp
func New(drv daq.Driver, disp *events.Dispatcher, log zerolog.Logger, opts ...Option) *Device {
	d := &Device{
		cfg:      DefaultConfig(),
		log:      log,
		disp:     disp,
		settings: waveform.DefaultSettings(),
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(d)
	}
	d.slot = daq.NewSlot(drv, log.With().Str("component", "daq").Logger())
	d.comp = *waveform.NewComposer(d.cfg.Waveform)
	d.timing = waveform.NewTiming(d.settings, d.cfg.Waveform)
	if d.stage == nil {
		d.stage = stage.NewMock(0)
	}
	d.Live = &Live{dev: d, log: log.With().Str("component", "live").Logger()}
	d.Acquisition = &Acquisition{dev: d, log: log.With().Str("component", "acquisition").Logger()}
	for _, ch := range d.settings.Channels {
		d.setPowerLocked(ch.Name, ch.Power)
	}
	return d
}

// Attach subscribes the device to its dispatcher and prepares the live and
// acquisition buffers.  ctx bounds the blocking waits of event handlers.
func (d *Device) Attach(ctx context.Context) error {
	d.ctx = ctx
	if d.bf != nil {
		if err := d.bf.Reset(); err != nil {
			d.log.Warn().Err(err).Msg("brightfield reset failed")
		}
	}
	d.mu.Lock()
	d.attached = append(d.attached,
		d.disp.Subscribe(events.KindProperty, d.onProperty),
		d.disp.Subscribe(events.KindLiveMode, d.onLiveMode),
		d.disp.Subscribe(events.KindStagePosition, d.onStagePosition),
	)
	d.mu.Unlock()
	d.attachAcquisition()

	if err := d.Acquisition.Prepare(); err != nil {
		d.log.Warn().Err(err).Msg("initial acquisition buffer not built")
	}
	if err := d.Live.Rebuild(); err != nil {
		d.log.Warn().Err(err).Msg("initial live buffer not built")
	}
	return d.park()
}

// Close detaches from the dispatcher, parks the outputs and releases the task
func (d *Device) Close() error {
	d.detachAcquisition()
	d.mu.Lock()
	for _, cancel := range d.attached {
		cancel()
	}
	d.attached = nil
	d.mu.Unlock()
	d.Live.detach()
	err := d.park()
	d.slot.Close()
	return err
}

// attachAcquisition subscribes the handlers that are disabled while EDA is active
func (d *Device) attachAcquisition() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acqSubs != nil {
		return
	}
	d.acqSubs = []func(){
		d.disp.Subscribe(events.KindAcquisitionStarted, d.onAcquisitionStarted),
		d.disp.Subscribe(events.KindAcquisitionEnded, d.onAcquisitionEnded),
		d.disp.Subscribe(events.KindSettings, d.onSettings),
	}
}

func (d *Device) detachAcquisition() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.acqSubs {
		cancel()
	}
	d.acqSubs = nil
}

// snapshot returns copies of the state a build depends on
func (d *Device) snapshot() (waveform.Settings, waveform.Timing, waveform.Composer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.Clone(), d.timing, d.comp
}

// Settings returns a copy of the current settings
func (d *Device) Settings() waveform.Settings {
	s, _, _ := d.snapshot()
	return s
}

// Timing returns the current timing
func (d *Device) Timing() waveform.Timing {
	_, t, _ := d.snapshot()
	return t
}

// EDA returns true if the external actuator owns the hardware
func (d *Device) EDA() bool {
	return d.eda.Load()
}

// Acquiring returns true between the start and the end of an acquisition
func (d *Device) Acquiring() bool {
	return d.acquiring.Load()
}

func (d *Device) setAcquiring(on bool) {
	if d.acquiring.Swap(on) == on || d.locker == nil {
		return
	}
	if on {
		d.locker.Lock()
	} else {
		d.locker.Unlock()
	}
}

// ApplySettings replaces the settings, recomputes the timing and rebuilds
// both buffers.  Settings are ignored while an acquisition runs.
func (d *Device) ApplySettings(s waveform.Settings) error {
	if d.Acquiring() {
		d.log.Info().Msg("settings ignored during acquisition")
		return nil
	}
	if err := s.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.settings = s.Clone()
	d.timing = waveform.NewTiming(d.settings, d.cfg.Waveform)
	if d.timing.ExposureFallback {
		d.log.Warn().Str("channel", d.cfg.Waveform.ReferenceChannel).
			Float64("exposure", d.timing.Exposure).Msg("reference channel missing, default exposure used")
	}
	d.mu.Unlock()
	d.log.Info().Float64("rate", d.timing.SampleRate).Int("spf", d.timing.SamplesPerFrame).Msg("new settings")

	err := d.Acquisition.Prepare()
	if err != nil {
		d.log.Warn().Err(err).Msg("acquisition buffer not rebuilt")
	}
	if lerr := d.Live.Rebuild(); lerr != nil {
		d.log.Warn().Err(lerr).Msg("live buffer not rebuilt")
		if err == nil {
			err = lerr
		}
	}
	return err
}

func (d *Device) setPowerLocked(line string, percent float64) bool {
	percent = util.Clamp(percent, 0, 100)
	switch line {
	case "488":
		d.comp.AOTF.Power488 = percent
	case "561":
		d.comp.AOTF.Power561 = percent
	default:
		return false
	}
	return true
}

// SetProperty applies a device property change from the control software
func (d *Device) SetProperty(p events.PropertyChanged) error {
	rebuild := false
	switch {
	case (p.Device == "488_AOTF" || p.Device == "561_AOTF") && p.Property == powerProperty:
		v, err := strconv.ParseFloat(p.Value, 64)
		if err != nil {
			return err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			d.log.Warn().Str("device", p.Device).Str("value", p.Value).Msg("AOTF power ignored")
			return fmt.Errorf("%w: %s power %q", ErrPropertyValue, p.Device, p.Value)
		}
		d.mu.Lock()
		d.setPowerLocked(p.Device[:3], v)
		d.mu.Unlock()
		rebuild = true
	case p.Device == "exposure":
		v, err := strconv.ParseFloat(p.Value, 64)
		if err != nil {
			return err
		}
		if !(v > 0) || math.IsInf(v, 0) {
			d.log.Warn().Str("value", p.Value).Msg("exposure must be a positive number of ms, ignored")
			return fmt.Errorf("%w: exposure %q", ErrPropertyValue, p.Value)
		}
		d.mu.Lock()
		s, ok := d.settings.WithExposure(d.cfg.Waveform.ReferenceChannel, v)
		if ok {
			d.settings = s
		}
		d.timing = waveform.NewTiming(d.settings, d.cfg.Waveform)
		d.mu.Unlock()
		if !ok {
			d.log.Warn().Str("channel", d.cfg.Waveform.ReferenceChannel).Msg("exposure for missing channel ignored")
		}
		rebuild = true
	case p.Device == "PrimeB_Camera" && p.Property == "TriggerMode":
		bf := p.Value == triggerInternal
		if d.bf != nil {
			if err := d.bf.SetFlippers(bf); err != nil {
				d.log.Warn().Err(err).Msg("flippers did not move")
			}
		}
		d.Live.SetBrightfield(bf)
	case p.Device == "DPseudoChannel" && p.Property == "Label":
		d.Live.SetChannel(p.Value)
		rebuild = true
	case p.Device == "EDA" && p.Property == "Label":
		d.setEDA(p.Value != edaOff)
	default:
		d.log.Debug().Str("device", p.Device).Str("property", p.Property).Msg("property ignored")
	}
	if rebuild {
		return d.Live.Rebuild()
	}
	return nil
}

func (d *Device) setEDA(on bool) {
	if d.eda.Swap(on) == on {
		return
	}
	d.log.Info().Bool("eda", on).Msg("EDA mode")
	if on {
		// EDA drives the outputs itself
		d.Live.detach()
		d.slot.Close()
		d.detachAcquisition()
		return
	}
	d.mu.Lock()
	d.timing = waveform.NewTiming(d.settings, d.cfg.Waveform)
	d.mu.Unlock()
	d.attachAcquisition()
}

// park leaves the outputs at the parked sample on a fresh one-sample task
func (d *Device) park() error {
	return d.parkFrom(nil, false)
}

// parkFrom parks only if the slot still holds from, when conditional is set
func (d *Device) parkFrom(from daq.Task, conditional bool) error {
	_, t, comp := d.snapshot()
	cfg := daq.TaskConfig{
		Channels:   d.cfg.Channels,
		SampleRate: t.SampleRate,
		Mode:       daq.Finite,
		Samples:    1,
	}
	var task daq.Task
	var err error
	if conditional {
		task, err = d.slot.Swap(from, cfg)
	} else {
		task, err = d.slot.Reopen(cfg)
	}
	if err != nil {
		return err
	}
	if _, err = task.Write(comp.Parked(), time.Second); err != nil {
		return err
	}
	return task.Start()
}

// StageZ returns the last z position reported by the control software
func (d *Device) StageZ() float64 {
	z, _ := d.reportedZ()
	return z
}

func (d *Device) reportedZ() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stageZ, d.haveZ
}

func (d *Device) onSettings(e events.Event) {
	if err := d.ApplySettings(e.(events.SettingsChanged).Settings); err != nil {
		d.log.Warn().Err(err).Msg("settings not applied")
	}
}

func (d *Device) onProperty(e events.Event) {
	p := e.(events.PropertyChanged)
	if err := d.SetProperty(p); err != nil {
		d.log.Warn().Err(err).Str("device", p.Device).Str("property", p.Property).Msg("property not applied")
	}
}

func (d *Device) onLiveMode(e events.Event) {
	if err := d.Live.Toggle(e.(events.LiveModeToggled).On); err != nil {
		d.log.Error().Err(err).Msg("live toggle failed")
	}
}

func (d *Device) onStagePosition(e events.Event) {
	d.mu.Lock()
	d.stageZ = e.(events.StagePosition).Z
	d.haveZ = true
	d.mu.Unlock()
}

func (d *Device) onAcquisitionStarted(events.Event) {
	if d.EDA() {
		d.log.Debug().Err(ErrContention).Msg("acquisition start ignored")
		return
	}
	if err := sleep(d.ctx, d.cfg.StartDelay); err != nil {
		return
	}
	err := d.Acquisition.Run(d.ctx)
	switch {
	case errors.Is(err, ErrContention):
		d.log.Debug().Err(err).Msg("acquisition declined")
	case err != nil:
		d.log.Error().Err(err).Msg("acquisition failed to start")
	}
}

func (d *Device) onAcquisitionEnded(events.Event) {
	err := d.Acquisition.Finish(d.ctx)
	if err != nil && !errors.Is(err, ErrNotAcquiring) {
		d.log.Error().Err(err).Msg("acquisition did not finish cleanly")
	}
}

// sleep waits for dt or until ctx is done
func sleep(ctx context.Context, dt time.Duration) error {
	if dt <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dt)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State is a summary of the device for display
type State struct {
	Live               LiveState         `json:"live"`
	Acquiring          bool              `json:"acquiring"`
	EDA                bool              `json:"eda"`
	StageZ             float64           `json:"stage_z"`
	Timing             waveform.Timing   `json:"timing"`
	Settings           waveform.Settings `json:"settings"`
	Power488           float64           `json:"power_488"`
	Power561           float64           `json:"power_561"`
	AcquisitionSamples int               `json:"acquisition_samples"`
	IntervalClamped    bool              `json:"interval_clamped"`
}

// State returns a summary of the device
func (d *Device) State() State {
	s, t, comp := d.snapshot()
	samples, clamped := d.Acquisition.Info()
	return State{
		Live:               d.Live.State(),
		Acquiring:          d.Acquiring(),
		EDA:                d.EDA(),
		StageZ:             d.StageZ(),
		Timing:             t,
		Settings:           s,
		Power488:           comp.AOTF.Power488,
		Power561:           comp.AOTF.Power561,
		AcquisitionSamples: samples,
		IntervalClamped:    clamped,
	}
}
