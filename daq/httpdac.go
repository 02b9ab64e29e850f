package daq

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/isim/generichttp"
)

// HTTPDAC serves a Driver with the waveform DAC routes that Remote speaks,
// so that any Driver (typically a Sim) can stand in for DAC hardware.
//
// An uploaded waveform is staged until playback/start, after which it loops
// until playback/stop; uploads made during playback replace the looping
// buffer.  output-multi halts playback and holds the given levels.
type HTTPDAC struct {
	drv    Driver
	format string
	log    zerolog.Logger

	mu      sync.Mutex
	period  uint32
	ids     []int
	staged  [][]float64
	playing Task

	RouteTable generichttp.RouteTable
}

// NewHTTPDAC serves drv.  format turns a channel index into the name drv
// knows it by, e.g. "Dev1/ao%d".
func NewHTTPDAC(drv Driver, format string, log zerolog.Logger) *HTTPDAC {
	h := &HTTPDAC{drv: drv, format: format, log: log, period: 10000}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/timer-period"}:              h.setTimerPeriod,
		{Method: http.MethodGet, Path: "/timer-period"}:               h.getTimerPeriod,
		{Method: http.MethodPost, Path: "/output-multi"}:              h.outputMulti,
		{Method: http.MethodPost, Path: "/playback/upload/float/csv"}: h.upload,
		{Method: http.MethodPost, Path: "/playback/start"}:            h.start,
		{Method: http.MethodPost, Path: "/playback/stop"}:             h.stop,
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPDAC) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h *HTTPDAC) names(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf(h.format, id)
	}
	return out
}

func (h *HTTPDAC) rate() float64 {
	return 1e9 / float64(h.period)
}

func (h *HTTPDAC) setTimerPeriod(w http.ResponseWriter, r *http.Request) {
	u := generichttp.Uint32T{}
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if u.Uint == 0 {
		http.Error(w, "timer period must be positive", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.period = u.Uint
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPDAC) getTimerPeriod(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	p := h.period
	h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(generichttp.Uint32T{Uint: p}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// stopLocked halts and releases the playback task, if any
func (h *HTTPDAC) stopLocked() {
	if h.playing == nil {
		return
	}
	if err := h.playing.Close(); err != nil && !errors.Is(err, ErrNotOpen) {
		h.log.Warn().Err(err).Msg("closing playback task")
	}
	h.playing = nil
}

type channelsVoltages struct {
	Channels []int     `json:"channel"`
	Voltages []float64 `json:"voltage"`
}

func (h *HTTPDAC) outputMulti(w http.ResponseWriter, r *http.Request) {
	var input channelsVoltages
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(input.Channels) != len(input.Voltages) || len(input.Channels) == 0 {
		http.Error(w, "channel and voltage must be the same nonzero length", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	data := make([][]float64, len(input.Voltages))
	for i, v := range input.Voltages {
		data[i] = []float64{v}
	}
	if err := h.once(input.Channels, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// once plays a short buffer to completion
func (h *HTTPDAC) once(ids []int, data [][]float64) error {
	task, err := h.drv.Open(TaskConfig{
		Channels:   h.names(ids),
		SampleRate: h.rate(),
		Mode:       Finite,
		Samples:    len(data[0]),
	})
	if err != nil {
		return err
	}
	defer task.Close()
	if _, err = task.Write(data, time.Second); err != nil {
		return err
	}
	if err = task.Start(); err != nil {
		return err
	}
	select {
	case <-task.Done():
		return nil
	case <-time.After(time.Second):
		return errors.New("output did not complete")
	}
}

// readCSV parses the upload format: a header row of channel indices, then
// one row per sample.  The result has one row per channel.
func readCSV(r io.Reader) ([]int, [][]float64, error) {
	reader := csv.NewReader(r)
	var (
		ids  []int
		data [][]float64
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if ids == nil {
			ids = make([]int, len(record))
			for i := range record {
				if ids[i], err = strconv.Atoi(record[i]); err != nil {
					return nil, nil, err
				}
			}
			data = make([][]float64, len(ids))
			continue
		}
		for i := range record {
			f, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				return nil, nil, err
			}
			data[i] = append(data[i], f)
		}
	}
	if len(ids) == 0 || len(data[0]) == 0 {
		return nil, nil, ErrNoData
	}
	return ids, data, nil
}

func sameIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (h *HTTPDAC) upload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ids, data, err := readCSV(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playing != nil && sameIDs(ids, h.ids) {
		if _, err = h.playing.Write(data, time.Second); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	h.ids, h.staged = ids, data
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPDAC) start(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staged == nil {
		http.Error(w, ErrNoData.Error(), http.StatusConflict)
		return
	}
	h.stopLocked()
	task, err := h.drv.Open(TaskConfig{
		Channels:   h.names(h.ids),
		SampleRate: h.rate(),
		Mode:       Continuous,
		Samples:    len(h.staged[0]),
		Regenerate: true,
	})
	if err == nil {
		if _, err = task.Write(h.staged, time.Second); err == nil {
			err = task.Start()
		}
		if err != nil {
			task.Close()
		}
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.playing = task
	h.log.Debug().Int("samples", len(h.staged[0])).Float64("rate", h.rate()).Msg("playback started")
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPDAC) stop(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.stopLocked()
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}
