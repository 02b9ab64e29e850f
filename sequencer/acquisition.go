package sequencer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/isim/daq"
	"github.com/nasa-jpl/isim/waveform"
)

// AddInterval pads a timepoint with idle samples up to intervalMs.
// If the interval is positive but not longer than the timepoint, no padding is
// added and clamped is true.
func AddInterval(comp *waveform.Composer, tp waveform.Matrix, t waveform.Timing, intervalMs float64) (out waveform.Matrix, clamped bool) {
	if intervalMs <= 0 {
		return tp, false
	}
	if t.SampleRate*intervalMs/1000 <= float64(tp.Cols()) {
		return tp, true
	}
	missing := t.IntervalSamples(intervalMs) - tp.Cols()
	if missing <= 0 {
		return tp, false
	}
	stageLevel := 0.
	if tp.Cols() > 0 {
		stageLevel = tp.Last()[waveform.RowStage]
	}
	out, _ = waveform.HStack(tp, comp.Idle(missing, stageLevel))
	return out, false
}

// BuildBuffer assembles the finite buffer of an acquisition: one padded
// timepoint per requested timepoint.  In ChannelsThenSlices order,
// consecutive timepoints are paired with the second traversing the slices
// in reverse, and an odd leftover timepoint runs forward.
func BuildBuffer(comp *waveform.Composer, s waveform.Settings, t waveform.Timing) (buf waveform.Matrix, clamped bool, err error) {
	if s.Timepoints < 1 {
		return nil, false, fmt.Errorf("%w: %d timepoints", waveform.ErrEmptySequence, s.Timepoints)
	}
	tp, err := comp.Timepoint(s, t, "", false)
	if err != nil {
		return nil, false, err
	}
	tp, clamped = AddInterval(comp, tp, t, s.IntervalMs)
	if s.Order != waveform.ChannelsThenSlices {
		return tp.Tile(s.Timepoints), clamped, nil
	}

	inv, err := comp.Timepoint(s, t, "", true)
	if err != nil {
		return nil, false, err
	}
	inv, _ = AddInterval(comp, inv, t, s.IntervalMs)
	parts := make([]waveform.Matrix, 0, 2)
	if pairs := s.Timepoints / 2; pairs > 0 {
		pair, err := waveform.HStack(tp, inv)
		if err != nil {
			return nil, false, err
		}
		parts = append(parts, pair.Tile(pairs))
	}
	if s.Timepoints%2 == 1 {
		parts = append(parts, tp)
	}
	buf, err = waveform.HStack(parts...)
	return buf, clamped, err
}

// Acquisition plays one finite buffer per acquisition
type Acquisition struct {
	dev *Device
	log zerolog.Logger

	// run serializes Run; mu guards the fields below it
	run sync.Mutex

	mu      sync.Mutex
	buf     waveform.Matrix
	clamped bool
	origZ   float64
	haveZ   bool
	task    daq.Task
}

// Prepare builds the buffer from the current settings.  On failure the
// previous buffer is kept.
func (a *Acquisition) Prepare() error {
	s, t, comp := a.dev.snapshot()
	buf, clamped, err := BuildBuffer(&comp, s, t)
	if err != nil {
		return err
	}
	if clamped {
		a.log.Warn().Float64("interval_ms", s.IntervalMs).Msg("interval shorter than one timepoint, running back to back")
	}
	a.mu.Lock()
	a.buf = buf
	a.clamped = clamped
	a.mu.Unlock()
	a.log.Debug().Int("samples", buf.Cols()).Msg("acquisition buffer built")
	return nil
}

// Buffer returns the last buffer built
func (a *Acquisition) Buffer() waveform.Matrix {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf
}

// Info returns the length of the buffer and whether its interval was clamped
func (a *Acquisition) Info() (samples int, clamped bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Cols(), a.clamped
}

// Done is closed when the running acquisition's buffer has played out.
// It is nil if no acquisition was started.
func (a *Acquisition) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.task == nil {
		return nil
	}
	return a.task.Done()
}

// Run starts an acquisition: the buffer is rebuilt, a finite task is opened,
// the stage is sent to the first slice, and the buffer is written and started.
// Run returns once output has started.  ErrContention is returned if EDA owns
// the hardware.
func (a *Acquisition) Run(ctx context.Context) (err error) {
	if a.dev.EDA() {
		return ErrContention
	}
	if err = a.Prepare(); err != nil {
		return err
	}
	a.run.Lock()
	defer a.run.Unlock()
	s, t, _ := a.dev.snapshot()
	a.mu.Lock()
	buf := a.buf
	a.mu.Unlock()

	a.dev.Live.detach()
	a.dev.setAcquiring(true)
	defer func() {
		if err != nil {
			a.dev.setAcquiring(false)
			if perr := a.dev.park(); perr != nil {
				a.log.Error().Err(perr).Msg("parking after failed start")
			}
		}
	}()
	task, err := a.dev.slot.Reopen(daq.TaskConfig{
		Channels:   a.dev.cfg.Channels,
		SampleRate: t.SampleRate,
		Mode:       daq.Finite,
		Samples:    buf.Cols(),
	})
	if err != nil {
		return err
	}

	z, perr := a.dev.stage.Position(ctx)
	haveZ := perr == nil
	if perr != nil {
		if z, haveZ = a.dev.reportedZ(); haveZ {
			a.log.Warn().Err(perr).Float64("z", z).Msg("stage not queried, restoring to the last reported position")
		} else {
			a.log.Warn().Err(perr).Msg("stage position unknown, it will not be restored")
		}
	}
	a.mu.Lock()
	a.task = task
	a.origZ, a.haveZ = z, haveZ
	a.mu.Unlock()
	if s.UseSlices && len(s.Slices) > 0 {
		if merr := a.dev.stage.MoveTo(ctx, s.Slices[0]); merr != nil {
			a.log.Warn().Err(merr).Float64("z", s.Slices[0]).Msg("move to first slice failed")
		}
		if err = sleep(ctx, a.dev.cfg.SettleTime); err != nil {
			return err
		}
	}
	n, err := task.Write(buf, a.dev.cfg.WriteTimeout)
	if err != nil {
		return fmt.Errorf("writing acquisition buffer: %w", err)
	}
	if err = sleep(ctx, a.dev.cfg.ArmDelay); err != nil {
		return err
	}
	if err = task.Start(); err != nil {
		return err
	}
	a.log.Info().Int("samples", n).Float64("rate", t.SampleRate).Int("timepoints", s.Timepoints).Msg("acquisition started")
	return nil
}

// Finish ends an acquisition: the stage goes back to where it was, and after
// FinishDelay the outputs are parked.  Settings are accepted again afterwards.
func (a *Acquisition) Finish(ctx context.Context) error {
	if !a.dev.Acquiring() {
		return ErrNotAcquiring
	}
	defer a.dev.setAcquiring(false)
	a.mu.Lock()
	z, haveZ := a.origZ, a.haveZ
	a.mu.Unlock()
	if haveZ {
		if err := a.dev.stage.MoveTo(ctx, z); err != nil {
			a.log.Warn().Err(err).Float64("z", z).Msg("stage not restored")
		}
	}
	if err := sleep(ctx, a.dev.cfg.FinishDelay); err != nil {
		return err
	}
	a.log.Info().Msg("acquisition ended")
	return a.dev.park()
}
