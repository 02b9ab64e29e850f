package daq

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sim is a simulated output device.  Tasks run on a real clock, optionally
// sped up, and the last value emitted on every channel is recorded.
type Sim struct {
	// Speedup divides all playback durations; 0 or 1 is real time
	Speedup float64

	log zerolog.Logger

	mu     sync.Mutex
	levels map[string]float64
	opened int
}

// NewSim returns a simulated device
func NewSim(log zerolog.Logger) *Sim {
	return &Sim{log: log, levels: map[string]float64{}}
}

// Open satisfies Driver
func (s *Sim) Open(cfg TaskConfig) (Task, error) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	return &SimTask{
		cfg:  cfg,
		sim:  s,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Level returns the last value emitted on a channel
func (s *Sim) Level(channel string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.levels[channel]
	return v, ok
}

// Opened returns the number of tasks opened so far
func (s *Sim) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Sim) emit(channels []string, column []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range channels {
		s.levels[ch] = column[i]
	}
}

func (s *Sim) scale(d time.Duration) time.Duration {
	if s.Speedup > 1 {
		return time.Duration(float64(d) / s.Speedup)
	}
	return d
}

// SimTask is a task of a Sim device
type SimTask struct {
	cfg TaskConfig
	sim *Sim

	mu      sync.Mutex
	data    [][]float64
	fresh   bool
	started bool
	closed  bool
	refillN int
	refill  RefillFunc

	stopOnce sync.Once
	doneOnce sync.Once
	quit     chan struct{}
	done     chan struct{}

	writes     int64
	underflows int64
	transfers  int64
}

// Config returns the configuration the task was opened with
func (t *SimTask) Config() TaskConfig {
	return t.cfg
}

// Write satisfies Task
func (t *SimTask) Write(data [][]float64, timeout time.Duration) (int, error) {
	n, err := CheckShape(data, len(t.cfg.Channels))
	if err != nil {
		return 0, err
	}
	cp := make([][]float64, len(data))
	for i := range data {
		cp[i] = append([]float64(nil), data[i]...)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrNotOpen
	}
	t.data = cp
	t.fresh = true
	atomic.AddInt64(&t.writes, 1)
	return n, nil
}

// Start satisfies Task
func (t *SimTask) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotOpen
	}
	if t.started {
		return ErrRunning
	}
	if len(t.data) == 0 || len(t.data[0]) == 0 {
		return ErrNoData
	}
	t.started = true
	if t.cfg.Mode == Continuous {
		go t.stream()
	} else {
		go t.play()
	}
	return nil
}

// Stop satisfies Task.  It does not wait for the playback goroutine, so it is
// safe to call from within a refill callback.
func (t *SimTask) Stop() error {
	t.stopOnce.Do(func() { close(t.quit) })
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		// nothing will close done
		t.finish()
	}
	return nil
}

// Close satisfies Task
func (t *SimTask) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotOpen
	}
	t.closed = true
	t.mu.Unlock()
	return t.Stop()
}

// RegisterRefill satisfies Task
func (t *SimTask) RegisterRefill(n int, fn RefillFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotOpen
	}
	t.refillN = n
	t.refill = fn
	return nil
}

// Done satisfies Task
func (t *SimTask) Done() <-chan struct{} {
	return t.done
}

// Writes is the number of successful Write calls
func (t *SimTask) Writes() int {
	return int(atomic.LoadInt64(&t.writes))
}

// Underflows counts transfers that found no fresh data with regeneration disabled
func (t *SimTask) Underflows() int {
	return int(atomic.LoadInt64(&t.underflows))
}

// Transfers counts completed buffer transfers
func (t *SimTask) Transfers() int {
	return int(atomic.LoadInt64(&t.transfers))
}

func (t *SimTask) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *SimTask) period(samples int) time.Duration {
	cfg := t.cfg
	cfg.Samples = samples
	d := t.sim.scale(cfg.Duration())
	if d <= 0 {
		d = time.Microsecond
	}
	return d
}

// play outputs the buffer once
func (t *SimTask) play() {
	defer t.finish()
	t.mu.Lock()
	data := t.data
	t.mu.Unlock()
	timer := time.NewTimer(t.period(len(data[0])))
	defer timer.Stop()
	select {
	case <-timer.C:
		t.emitLast(data)
		atomic.AddInt64(&t.transfers, 1)
	case <-t.quit:
	}
}

// stream transfers the buffer once per period and asks for more
func (t *SimTask) stream() {
	defer t.finish()
	t.mu.Lock()
	n := t.refillN
	if n <= 0 {
		n = len(t.data[0])
	}
	t.mu.Unlock()
	ticker := time.NewTicker(t.period(n))
	defer ticker.Stop()
	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
		}
		select {
		case <-t.quit:
			return
		default:
		}
		t.mu.Lock()
		data, fresh, fn := t.data, t.fresh, t.refill
		t.fresh = false
		t.mu.Unlock()
		if !fresh && !t.cfg.Regenerate {
			atomic.AddInt64(&t.underflows, 1)
			t.sim.log.Warn().Msg("simulated output underflow")
		}
		t.emitLast(data)
		atomic.AddInt64(&t.transfers, 1)
		if fn != nil {
			fn()
		}
	}
}

func (t *SimTask) emitLast(data [][]float64) {
	col := make([]float64, len(data))
	for i := range data {
		col[i] = data[i][len(data[i])-1]
	}
	t.sim.emit(t.cfg.Channels, col)
}
