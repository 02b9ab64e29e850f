package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultWindows are the duplicate suppression windows observed to be needed
// with the microscope-control bridge
func DefaultWindows() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindAcquisitionStarted: 200 * time.Millisecond,
		KindSettings:           200 * time.Millisecond,
		KindStagePosition:      50 * time.Millisecond,
	}
}

// Handler reacts to an event.  Handlers run on the dispatcher goroutine.
type Handler func(Event)

type subscription struct {
	id int
	h  Handler
}

// Dispatcher fans events out to subscribers by kind
type Dispatcher struct {
	log zerolog.Logger

	mu       sync.Mutex
	nextID   int
	subs     map[Kind][]subscription
	limiters map[Kind]*rate.Limiter
	dropped  map[Kind]int

	queue chan Event
}

// NewDispatcher returns a dispatcher which suppresses repeats of each kind
// in windows.  A kind with no (or a zero) window is never suppressed.
func NewDispatcher(windows map[Kind]time.Duration, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		log:      log,
		subs:     make(map[Kind][]subscription),
		limiters: make(map[Kind]*rate.Limiter),
		dropped:  make(map[Kind]int),
		queue:    make(chan Event, 64),
	}
	for k, w := range windows {
		if w > 0 {
			d.limiters[k] = rate.NewLimiter(rate.Every(w), 1)
		}
	}
	return d
}

// Subscribe registers h for events of kind k.  The returned function removes
// the subscription.
func (d *Dispatcher) Subscribe(k Kind, h Handler) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs[k] = append(d.subs[k], subscription{id: id, h: h})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.subs[k]
		for i := range subs {
			if subs[i].id == id {
				d.subs[k] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues e for delivery.  It returns false if e was dropped as
// a duplicate.
func (d *Dispatcher) Publish(e Event) bool {
	k := e.Kind()
	d.mu.Lock()
	lim := d.limiters[k]
	if lim != nil && !lim.Allow() {
		d.dropped[k]++
		d.mu.Unlock()
		d.log.Debug().Str("kind", k.String()).Msg("duplicate event skipped")
		return false
	}
	d.mu.Unlock()
	d.queue <- e
	return true
}

// Dropped returns the number of events of kind k suppressed as duplicates
func (d *Dispatcher) Dropped(k Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped[k]
}

// Run delivers queued events until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-d.queue:
			d.deliver(e)
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	k := e.Kind()
	d.mu.Lock()
	subs := make([]subscription, len(d.subs[k]))
	copy(subs, d.subs[k])
	d.mu.Unlock()
	if len(subs) == 0 {
		d.log.Debug().Str("kind", k.String()).Msg("event has no subscribers")
		return
	}
	for _, s := range subs {
		s.h(e)
	}
}
