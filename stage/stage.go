/*Package stage requests z moves from the stage controller that carries the
sample.  The sequencer never drives the stage itself during an acquisition
beyond the analog ramp; it only asks for the starting position and restores
the original one afterwards.

Three Movers are provided: HTTP talks to a motion server over its axis routes, GCS talks
to a PI controller directly, and Mock records requests in memory.
*/
package stage

import (
	"context"
	"errors"
	"sync"
)

// ErrNoAxis is generated when a mover is used without an axis
var ErrNoAxis = errors.New("no axis configured")

// Mover can report and set the z position, in microns
type Mover interface {
	Position(ctx context.Context) (float64, error)
	MoveTo(ctx context.Context, z float64) error
}

// Mock is an in-memory Mover
type Mock struct {
	mu    sync.Mutex
	z     float64
	moves []float64

	// Err, if not nil, is returned from every call
	Err error
}

// NewMock returns a mock stage sitting at z
func NewMock(z float64) *Mock {
	return &Mock{z: z}
}

// Position satisfies Mover
func (m *Mock) Position(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.z, nil
}

// MoveTo satisfies Mover
func (m *Mock) MoveTo(ctx context.Context, z float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.z = z
	m.moves = append(m.moves, z)
	return nil
}

// Moves returns every position requested so far, in order
func (m *Mock) Moves() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.moves...)
}
