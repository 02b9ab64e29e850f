/*Package eventbridge receives events from the microscope-control bridge over
a websocket and publishes them to a dispatcher.

Each websocket text message is one event in the wire form of events.Encode.
The bridge can be dialed (Client, which reconnects with backoff until its
context ends) or can dial in (Handler, mounted on the HTTP server).
*/
package eventbridge

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/isim/events"
)

// Publisher accepts events
type Publisher interface {
	Publish(events.Event) bool
}

// pump publishes every message from conn until it fails
func pump(ctx context.Context, conn *websocket.Conn, pub Publisher, log zerolog.Logger, received *int64) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}
		e, err := events.Decode(msg)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable event dropped")
			continue
		}
		atomic.AddInt64(received, 1)
		pub.Publish(e)
	}
}

// Client dials the bridge and keeps the connection up
type Client struct {
	URL    string
	Dialer *websocket.Dialer

	// MaxInterval caps the delay between reconnection attempts
	MaxInterval time.Duration

	pub      Publisher
	log      zerolog.Logger
	received int64
}

// NewClient returns a client for the bridge at url, e.g. ws://host:5555/events
func NewClient(url string, pub Publisher, log zerolog.Logger) *Client {
	return &Client{
		URL:         url,
		Dialer:      websocket.DefaultDialer,
		MaxInterval: 5 * time.Second,
		pub:         pub,
		log:         log,
	}
}

// Received is the number of events decoded so far
func (c *Client) Received() int {
	return int(atomic.LoadInt64(&c.received))
}

// Run connects and reads events until ctx is done.  Lost connections are
// re-established with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.log.Info().Str("url", c.URL).Msg("bridge connected")
		err = pump(ctx, conn, c.pub, c.log, &c.received)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("bridge connection lost")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = c.Dialer.DialContext(ctx, c.URL, nil)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = 0
	notify := func(err error, next time.Duration) {
		c.log.Debug().Err(err).Dur("retry_in", next).Msg("bridge dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		// with no elapsed-time limit the retry only gives up when ctx is
		// done or its deadline falls before the next attempt
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return conn, nil
}

// Handler accepts bridge connections on an HTTP route
type Handler struct {
	pub      Publisher
	log      zerolog.Logger
	ctx      context.Context
	up       websocket.Upgrader
	received int64
}

// NewHandler returns a handler publishing to pub; connections are closed
// when ctx is done
func NewHandler(ctx context.Context, pub Publisher, log zerolog.Logger) *Handler {
	return &Handler{
		pub: pub,
		log: log,
		ctx: ctx,
		up:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Received is the number of events decoded so far
func (h *Handler) Received() int {
	return int(atomic.LoadInt64(&h.received))
}

// ServeHTTP satisfies http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.log.Info().Str("remote", r.RemoteAddr).Msg("bridge connected")
	go func() {
		defer conn.Close()
		err := pump(h.ctx, conn, h.pub, h.log, &h.received)
		var ce *websocket.CloseError
		if err != nil && !errors.As(err, &ce) && !errors.Is(err, context.Canceled) {
			h.log.Warn().Err(err).Msg("bridge connection lost")
		}
	}()
}
