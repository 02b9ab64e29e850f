package eventbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/isim/events"
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(e events.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return true
}

func (r *recorder) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.got...)
}

func encode(t *testing.T, e events.Event) []byte {
	b, err := events.Encode(e)
	require.NoError(t, err)
	return b
}

// bridgeServer sends msgs to every connection and then holds it open
func bridgeServer(t *testing.T, msgs ...[]byte) *httptest.Server {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
				return
			}
		}
		// wait for the client to hang up
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientPublishesDecodedEvents(t *testing.T) {
	srv := bridgeServer(t,
		encode(t, events.LiveModeToggled{On: true}),
		[]byte(`not json`),
		encode(t, events.PropertyChanged{Device: "488_AOTF", Property: "Power", Value: "12"}),
	)
	rec := &recorder{}
	c := NewClient(wsURL(srv), rec, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(rec.events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := rec.events()
	assert.Equal(t, events.LiveModeToggled{On: true}, got[0])
	assert.Equal(t, events.PropertyChanged{Device: "488_AOTF", Property: "Power", Value: "12"}, got[1])
	assert.Equal(t, 2, c.Received())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientRetriesUntilServerUp(t *testing.T) {
	rec := &recorder{}
	// nothing listens here yet; the client must keep trying until cancelled
	c := NewClient("ws://127.0.0.1:1/events", rec, zerolog.Nop())
	c.MaxInterval = 20 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.events())
}

func TestClientReconnects(t *testing.T) {
	var (
		mu    sync.Mutex
		conns int
	)
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		mu.Unlock()
		conn.WriteMessage(websocket.TextMessage, encode(t, events.AcquisitionStarted{}))
		// drop the connection right away
		conn.Close()
	}))
	defer srv.Close()

	rec := &recorder{}
	c := NewClient(wsURL(srv), rec, zerolog.Nop())
	c.MaxInterval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	assert.Eventually(t, func() bool { return len(rec.events()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.GreaterOrEqual(t, conns, 2)
	mu.Unlock()
}

func TestHandlerAcceptsBridge(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHandler(ctx, rec, zerolog.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, events.StagePosition{Z: 12.5})))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, events.AcquisitionEnded{})))

	assert.Eventually(t, func() bool { return h.Received() == 2 }, 2*time.Second, 10*time.Millisecond)
	got := rec.events()
	require.Len(t, got, 2)
	assert.Equal(t, events.StagePosition{Z: 12.5}, got[0])
	assert.Equal(t, events.AcquisitionEnded{}, got[1])
}
