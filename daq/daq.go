/*Package daq describes the boundary to clocked multi-channel analog output hardware.

A Driver opens Tasks.  A Task is bound to a list of output channels and a
sample clock, accepts a buffer with one row per channel, and either plays it
once (Finite) or streams it, calling a refill callback every time a buffer's
worth of samples has been transferred (Continuous).

At most one Task should drive the outputs at a time.  Slot enforces this for
callers that share hardware: Reopen always closes the previous task first.

Two drivers are provided: Sim, an in-memory simulation with a real clock, and
Remote, which drives a waveform DAC served over HTTP.
*/
package daq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mode is the clocking mode of a task
type Mode int

const (
	// Finite plays the written buffer once
	Finite Mode = iota

	// Continuous streams until stopped, calling the refill callback
	Continuous
)

// String returns "finite" or "continuous"
func (m Mode) String() string {
	switch m {
	case Finite:
		return "finite"
	case Continuous:
		return "continuous"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var (
	// ErrNotOpen is generated when a closed or never opened task is used
	ErrNotOpen = errors.New("task is not open")

	// ErrRunning is generated when a running task is started again
	ErrRunning = errors.New("task is already running")

	// ErrNoData is generated when a task is started before anything was written
	ErrNoData = errors.New("no samples written to task")

	// ErrShape is generated when a buffer does not match the channel layout
	ErrShape = errors.New("buffer shape does not match task channels")

	// ErrSuperseded is generated by Slot.Swap when the slot no longer holds
	// the task being replaced
	ErrSuperseded = errors.New("task was superseded")
)

// TaskConfig is the channel layout and clock of a task
type TaskConfig struct {
	// Channels are the physical output names, e.g. Dev1/ao0
	Channels []string

	// SampleRate is the output clock, samples/s
	SampleRate float64

	Mode Mode

	// Samples is the buffer length per channel
	Samples int

	// Regenerate allows the hardware to replay the last buffer on underrun
	Regenerate bool
}

// Duration is the time it takes to output Samples samples
func (c TaskConfig) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.Samples) / c.SampleRate * float64(time.Second))
}

// RefillFunc is invoked by the driver, from its own goroutine, when a buffer's
// worth of samples has been transferred.  It must return promptly.
type RefillFunc func()

// Task is an open binding to output channels and a sample clock
type Task interface {
	// Write copies a buffer (one row per channel) into the task.
	// It returns the number of samples per channel written.
	Write(data [][]float64, timeout time.Duration) (int, error)

	// Start begins output
	Start() error

	// Stop halts output.  Stopping a stopped task is not an error.
	Stop() error

	// Close releases the hardware.  ErrNotOpen is returned if already closed.
	Close() error

	// RegisterRefill installs fn to be called every n samples transferred
	RegisterRefill(n int, fn RefillFunc) error

	// Done is closed when output ceases, at the end of a finite buffer
	// or after Stop/Close
	Done() <-chan struct{}
}

// Driver opens tasks
type Driver interface {
	Open(TaskConfig) (Task, error)
}

// CheckShape returns ErrShape if data is not rectangular with one row per channel
func CheckShape(data [][]float64, channels int) (int, error) {
	if len(data) != channels {
		return 0, fmt.Errorf("%w: %d rows for %d channels", ErrShape, len(data), channels)
	}
	if channels == 0 {
		return 0, nil
	}
	n := len(data[0])
	for i := range data {
		if len(data[i]) != n {
			return 0, fmt.Errorf("%w: row %d has %d samples, row 0 has %d", ErrShape, i, len(data[i]), n)
		}
	}
	return n, nil
}

// Slot holds the single task driving a set of outputs
type Slot struct {
	mu   sync.Mutex
	drv  Driver
	task Task
	log  zerolog.Logger
}

// NewSlot returns an empty slot using drv to open tasks
func NewSlot(drv Driver, log zerolog.Logger) *Slot {
	return &Slot{drv: drv, log: log}
}

// Reopen closes the current task, if any, then opens a new one
func (s *Slot) Reopen(cfg TaskConfig) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(cfg)
}

func (s *Slot) openLocked(cfg TaskConfig) (Task, error) {
	s.closeLocked()
	t, err := s.drv.Open(cfg)
	if err != nil {
		return nil, err
	}
	s.task = t
	s.log.Debug().Str("mode", cfg.Mode.String()).Float64("rate", cfg.SampleRate).
		Int("samples", cfg.Samples).Msg("task opened")
	return t, nil
}

// Swap is Reopen, performed only while old is still the current task
func (s *Slot) Swap(old Task, cfg TaskConfig) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != old {
		return nil, ErrSuperseded
	}
	return s.openLocked(cfg)
}

// Close closes the current task.  Closing an empty slot, or a task that
// was already closed, is a no-op.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Slot) closeLocked() {
	if s.task == nil {
		return
	}
	err := s.task.Close()
	if err != nil && !errors.Is(err, ErrNotOpen) {
		s.log.Warn().Err(err).Msg("task close failed")
	}
	s.task = nil
}

// Current returns the open task, or nil
func (s *Slot) Current() Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}
