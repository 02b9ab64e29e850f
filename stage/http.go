package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nasa-jpl/isim/generichttp"
)

// HTTP is a Mover backed by a motion controller served over HTTP with the
// /axis/{axis}/pos routes
type HTTP struct {
	// Addr is the URL prefix of the controller, e.g. http://motion:8000/pi
	Addr string

	Axis string

	Client *http.Client
}

// NewHTTP returns a client for one axis of the controller at addr
func NewHTTP(addr, axis string) *HTTP {
	return &HTTP{
		Addr:   strings.TrimSuffix(addr, "/"),
		Axis:   axis,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTP) url() (string, error) {
	if h.Axis == "" {
		return "", ErrNoAxis
	}
	return h.Addr + "/axis/" + url.PathEscape(h.Axis) + "/pos", nil
}

func (h *HTTP) do(req *http.Request) (*http.Response, error) {
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("stage %s: %s %s", h.Axis, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Position satisfies Mover
func (h *HTTP) Position(ctx context.Context) (float64, error) {
	u, err := h.url()
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var f generichttp.FloatT
	if err = json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return 0, fmt.Errorf("decoding stage position: %w", err)
	}
	return f.F64, nil
}

// MoveTo satisfies Mover
func (h *HTTP) MoveTo(ctx context.Context, z float64) error {
	u, err := h.url()
	if err != nil {
		return err
	}
	body, err := json.Marshal(generichttp.FloatT{F64: z})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
