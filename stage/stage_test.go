package stage

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/isim/generichttp"
)

func TestMock(t *testing.T) {
	ctx := context.Background()
	m := NewMock(5)
	z, err := m.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5., z)
	require.NoError(t, m.MoveTo(ctx, -2))
	require.NoError(t, m.MoveTo(ctx, 5))
	assert.Equal(t, []float64{-2, 5}, m.Moves())

	m.Err = errors.New("unplugged")
	_, err = m.Position(ctx)
	assert.Error(t, err)
	assert.Error(t, m.MoveTo(ctx, 0))
}

func TestHTTPMover(t *testing.T) {
	var mu sync.Mutex
	pos := map[string]float64{"z": 12}
	r := chi.NewRouter()
	r.Get("/pi/axis/{axis}/pos", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		generichttp.GetFloat(func() (float64, error) { return pos[chi.URLParam(req, "axis")], nil })(w, req)
	})
	r.Post("/pi/axis/{axis}/pos", func(w http.ResponseWriter, req *http.Request) {
		axis := chi.URLParam(req, "axis")
		generichttp.SetFloat(func(f float64) error {
			mu.Lock()
			defer mu.Unlock()
			pos[axis] = f
			return nil
		})(w, req)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx := context.Background()
	h := NewHTTP(srv.URL+"/pi/", "z")
	z, err := h.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12., z)
	require.NoError(t, h.MoveTo(ctx, -4.5))
	z, err = h.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, -4.5, z)

	_, err = NewHTTP(srv.URL+"/pi", "").Position(ctx)
	assert.Equal(t, ErrNoAxis, err)
	_, err = NewHTTP(srv.URL+"/nothing", "z").Position(ctx)
	assert.Error(t, err)
}

// fakePI answers the subset of GCS2 used by the mover
func fakePI(t *testing.T) (addr string, moves chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	moves = make(chan string, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				rdr := bufio.NewReader(c)
				for {
					line, err := rdr.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimSpace(line)
					switch {
					case strings.HasPrefix(line, "POS?"):
						c.Write([]byte("Z=+0080.4106\n"))
					case strings.HasPrefix(line, "MOV"):
						moves <- line
					case line == "ERR?":
						c.Write([]byte("0\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), moves
}

func TestGCSMover(t *testing.T) {
	addr, moves := fakePI(t)
	g := NewGCS(addr, "Z", false)
	ctx := context.Background()
	z, err := g.Position(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 80.4106, z, 1e-9)

	require.NoError(t, g.MoveTo(ctx, 12.5))
	assert.Equal(t, "MOV Z 12.5", <-moves)
}
