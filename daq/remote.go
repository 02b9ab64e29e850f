package daq

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Remote drives a waveform DAC exposed over HTTP with the dacsrv routes
// (timer-period, output-multi, playback/upload/float/csv, playback/start,
// playback/stop).  The sample clock lives on the remote; refill callbacks are
// paced locally from the configured sample rate.
type Remote struct {
	// Addr is the URL prefix of the DAC, e.g. http://daqhost:8000/ap235
	Addr string

	Client *http.Client

	log zerolog.Logger
}

// NewRemote returns a driver for the DAC served at addr
func NewRemote(addr string, log zerolog.Logger) *Remote {
	return &Remote{
		Addr:   strings.TrimSuffix(addr, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// ChannelIndex extracts the numeric index of a channel name,
// Dev1/ao3 => 3, "5" => 5
func ChannelIndex(name string) (int, error) {
	end := len(name)
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, fmt.Errorf("channel %q has no numeric index", name)
	}
	return strconv.Atoi(name[start:end])
}

func (r *Remote) post(path string, body interface{}) error {
	var rdr io.Reader
	ctype := "application/json"
	switch b := body.(type) {
	case nil:
	case *bytes.Buffer:
		rdr = b
		ctype = "text/csv"
	default:
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(b); err != nil {
			return err
		}
		rdr = buf
	}
	resp, err := r.Client.Post(r.Addr+path, ctype, rdr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Open satisfies Driver
func (r *Remote) Open(cfg TaskConfig) (Task, error) {
	ids := make([]int, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		idx, err := ChannelIndex(ch)
		if err != nil {
			return nil, err
		}
		ids[i] = idx
	}
	if cfg.SampleRate > 0 {
		ns := uint32(1e9 / cfg.SampleRate)
		if err := r.post("/timer-period", struct {
			Uint uint32 `json:"uint"`
		}{ns}); err != nil {
			return nil, fmt.Errorf("setting timer period: %w", err)
		}
	}
	return &remoteTask{r: r, cfg: cfg, ids: ids}, nil
}

type remoteTask struct {
	r   *Remote
	cfg TaskConfig
	ids []int

	mu       sync.Mutex
	samples  int
	closed   bool
	started  bool
	refillN  int
	refill   RefillFunc
	quit     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

// encodeCSV lays out data in the DAC upload format:
// one header row of channel indices then one row per sample
func encodeCSV(ids []int, data [][]float64) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	rec := make([]string, len(ids))
	for i, id := range ids {
		rec[i] = strconv.Itoa(id)
	}
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	for j := 0; j < len(data[0]); j++ {
		for i := range data {
			rec[i] = strconv.FormatFloat(data[i][j], 'g', -1, 64)
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf, w.Error()
}

func (t *remoteTask) Write(data [][]float64, timeout time.Duration) (int, error) {
	n, err := CheckShape(data, len(t.ids))
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, ErrNotOpen
	}
	if n == 1 {
		v := make([]float64, len(data))
		for i := range data {
			v[i] = data[i][0]
		}
		err = t.r.post("/output-multi", struct {
			Channels []int     `json:"channel"`
			Voltages []float64 `json:"voltage"`
		}{t.ids, v})
	} else {
		var buf *bytes.Buffer
		buf, err = encodeCSV(t.ids, data)
		if err == nil {
			err = t.r.post("/playback/upload/float/csv", buf)
		}
	}
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.samples = n
	t.mu.Unlock()
	return n, nil
}

func (t *remoteTask) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotOpen
	}
	if t.started {
		t.mu.Unlock()
		return ErrRunning
	}
	if t.samples == 0 {
		t.mu.Unlock()
		return ErrNoData
	}
	t.started = true
	t.quit = make(chan struct{})
	t.done = make(chan struct{})
	samples := t.samples
	t.mu.Unlock()
	if samples > 1 {
		if err := t.r.post("/playback/start", nil); err != nil {
			return err
		}
	}
	go t.pace(samples)
	return nil
}

// pace mirrors the remote clock so refill callbacks and Done line up with playback
func (t *remoteTask) pace(samples int) {
	defer t.doneOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	n, fn, quit := t.refillN, t.refill, t.quit
	t.mu.Unlock()
	if n <= 0 {
		n = samples
	}
	cfg := t.cfg
	cfg.Samples = n
	period := cfg.Duration()
	if period <= 0 {
		period = time.Millisecond
	}
	if t.cfg.Mode == Finite {
		select {
		case <-time.After(period):
		case <-quit:
		}
		return
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			if fn != nil {
				fn()
			}
		}
	}
}

func (t *remoteTask) Stop() error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil
	}
	t.stopOnce.Do(func() { close(t.quit) })
	return t.r.post("/playback/stop", nil)
}

func (t *remoteTask) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotOpen
	}
	t.closed = true
	t.mu.Unlock()
	return t.Stop()
}

func (t *remoteTask) RegisterRefill(n int, fn RefillFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotOpen
	}
	t.refillN = n
	t.refill = fn
	return nil
}

func (t *remoteTask) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		// never started: nothing to wait for
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}
