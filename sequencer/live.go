package sequencer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/isim/daq"
	"github.com/nasa-jpl/isim/mathx"
	"github.com/nasa-jpl/isim/waveform"
)

// refillTimeout bounds a tile write from the refill callback
const refillTimeout = 100 * time.Millisecond

// Live streams a short tile of single-channel frames until stopped.
//
// The tile is rebuilt wholesale and swapped in atomically; the refill callback
// only ever sees a complete tile.  Stopping is cooperative: Toggle(false) sets
// a flag that the next refill honors by halting the stream and parking the
// outputs.
type Live struct {
	dev *Device
	log zerolog.Logger

	tile      atomic.Pointer[waveform.Matrix]
	stop      atomic.Bool
	streaming atomic.Bool

	// mu serializes builds and stream reconfiguration
	mu          sync.Mutex
	channel     string
	brightfield bool
	ready       bool
	rate        float64
	samples     int
}

// LiveState is a summary of the live sequencer
type LiveState struct {
	Streaming   bool   `json:"streaming"`
	Ready       bool   `json:"ready"`
	Channel     string `json:"channel"`
	Brightfield bool   `json:"brightfield"`
	TileSamples int    `json:"tile_samples"`
}

// State returns a summary of the live sequencer
func (l *Live) State() LiveState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LiveState{
		Streaming:   l.streaming.Load(),
		Ready:       l.ready,
		Channel:     l.channel,
		Brightfield: l.brightfield,
	}
	if t := l.tile.Load(); t != nil {
		st.TileSamples = t.Cols()
	}
	return st
}

// Tile returns the current live buffer, or nil if none was built
func (l *Live) Tile() waveform.Matrix {
	if t := l.tile.Load(); t != nil {
		return *t
	}
	return nil
}

// SetChannel selects the channel shown in live view.  The caller rebuilds.
func (l *Live) SetChannel(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channel = name
}

// SetBrightfield routes future toggles to the LED instead of the stream
func (l *Live) SetBrightfield(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.brightfield = on
}

// TileFrames is the number of frames in a live tile, about LiveTileMs long
// and at least one
func TileFrames(t waveform.Timing, c waveform.Constants) int {
	n := mathx.RoundInt(c.LiveTileMs / t.Exposure)
	if n < 1 {
		n = 1
	}
	return n
}

// Rebuild recomputes the tile from the current settings and live channel.
// On failure the previous tile stays in use.  If the stream is running and
// its length or clock changed, the stream is reconfigured.
func (l *Live) Rebuild() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rebuildLocked()
}

func (l *Live) rebuildLocked() error {
	s, t, comp := l.dev.snapshot()
	channel := l.channel
	if channel == "" {
		channel = comp.Consts.ReferenceChannel
	}
	tp, err := comp.Timepoint(s, t, channel, false)
	if err != nil {
		l.ready = false
		return err
	}
	tile := tp.Tile(TileFrames(t, comp.Consts))
	l.tile.Store(&tile)
	l.ready = true
	l.log.Debug().Str("channel", channel).Int("samples", tile.Cols()).Msg("live tile built")

	if l.streaming.Load() && !l.stop.Load() && (tile.Cols() != l.samples || t.SampleRate != l.rate) {
		return l.startLocked()
	}
	return nil
}

// Toggle turns live view on or off.  In brightfield mode the LED is switched
// instead.
func (l *Live) Toggle(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.brightfield {
		if l.dev.bf == nil {
			return nil
		}
		_, t, comp := l.dev.snapshot()
		return l.dev.bf.LED(on, comp.LEDLevel(t))
	}
	if !on {
		l.stop.Store(true)
		return nil
	}
	if l.dev.Acquiring() || l.dev.EDA() {
		l.log.Info().Msg("live view refused, outputs are in use")
		return nil
	}
	if !l.ready {
		if err := l.rebuildLocked(); err != nil {
			return err
		}
	}
	l.stop.Store(false)
	return l.startLocked()
}

// startLocked opens a continuous task sized to the tile and starts it
func (l *Live) startLocked() error {
	tile := l.tile.Load()
	if tile == nil {
		return waveform.ErrEmptySequence
	}
	_, t, _ := l.dev.snapshot()
	n := tile.Cols()
	task, err := l.dev.slot.Reopen(daq.TaskConfig{
		Channels:   l.dev.cfg.Channels,
		SampleRate: t.SampleRate,
		Mode:       daq.Continuous,
		Samples:    n,
		Regenerate: false,
	})
	if err != nil {
		return err
	}
	if _, err = task.Write(*tile, time.Second); err != nil {
		return err
	}
	if err = task.RegisterRefill(n, l.refill(task)); err != nil {
		return err
	}
	if err = task.Start(); err != nil {
		return err
	}
	l.rate = t.SampleRate
	l.samples = n
	l.streaming.Store(true)
	l.log.Info().Int("samples", n).Float64("rate", t.SampleRate).Msg("live started")
	return nil
}

// refill returns the callback of one stream.  It runs on the driver goroutine.
func (l *Live) refill(task daq.Task) daq.RefillFunc {
	var once sync.Once
	return func() {
		if l.dev.slot.Current() != task {
			// superseded by a newer task
			task.Stop()
			return
		}
		if l.stop.Load() {
			once.Do(func() {
				task.Stop()
				l.streaming.Store(false)
				err := l.dev.parkFrom(task, true)
				if err != nil && !errors.Is(err, daq.ErrSuperseded) {
					l.log.Error().Err(err).Msg("parking after live failed")
				}
				l.log.Info().Msg("live stopped")
			})
			return
		}
		tile := l.tile.Load()
		if _, err := task.Write(*tile, refillTimeout); err != nil {
			l.log.Warn().Err(err).Msg("live refill failed")
		}
	}
}

// detach marks the stream as stopped when another user takes the task
func (l *Live) detach() {
	l.stop.Store(true)
	l.streaming.Store(false)
}
