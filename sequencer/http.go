package sequencer

import (
	"encoding/json"
	"net/http"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.com/nasa-jpl/isim/events"
	"github.com/nasa-jpl/isim/generichttp"
	"github.com/nasa-jpl/isim/server/middleware/locker"
	"github.com/nasa-jpl/isim/waveform"
)

// HTTPDevice exposes a Device over HTTP.  Commands are published to the
// dispatcher so that they are serialized with bridge events.
type HTTPDevice struct {
	dev  *Device
	disp *events.Dispatcher
	lock *locker.Locker

	RouteTable generichttp.RouteTable
}

// NewHTTPDevice builds the route table of dev.  lock, shared with the Device
// through WithLocker, refuses mutating requests while an acquisition runs.
func NewHTTPDevice(dev *Device, disp *events.Dispatcher, lock *locker.Locker) *HTTPDevice {
	h := &HTTPDevice{dev: dev, disp: disp, lock: lock}
	lock.DoNotProtect = append(lock.DoNotProtect, "acquisition/end")
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/live"}:  generichttp.GetBool(h.getLive),
		{Method: http.MethodPost, Path: "/live"}: generichttp.SetBool(h.setLive),

		{Method: http.MethodPost, Path: "/settings"}: h.postSettings,
		{Method: http.MethodPost, Path: "/property"}: h.postProperty,

		{Method: http.MethodPost, Path: "/acquisition/start"}: h.publishes(events.AcquisitionStarted{}),
		{Method: http.MethodPost, Path: "/acquisition/end"}:   h.publishes(events.AcquisitionEnded{}),

		{Method: http.MethodGet, Path: "/timing"}:             h.getJSON(func() interface{} { return dev.Timing() }),
		{Method: http.MethodGet, Path: "/state"}:              h.getJSON(func() interface{} { return dev.State() }),
		{Method: http.MethodGet, Path: "/buffer/live"}:        h.getBuffer(dev.Live.Tile),
		{Method: http.MethodGet, Path: "/buffer/acquisition"}: h.getBuffer(dev.Acquisition.Buffer),
	}
	h.RouteTable = rt
	locker.Inject(h, lock)
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPDevice) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Router returns a chi router serving the route table behind the lock
func (h *HTTPDevice) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.lock.Check)
	h.RouteTable.Bind(r)
	return r
}

func (h *HTTPDevice) getLive() (bool, error) {
	return h.dev.Live.State().Streaming, nil
}

func (h *HTTPDevice) setLive(on bool) error {
	h.disp.Publish(events.LiveModeToggled{On: on})
	return nil
}

func (h *HTTPDevice) accept(w http.ResponseWriter, e events.Event) {
	if !h.disp.Publish(e) {
		http.Error(w, "duplicate "+e.Kind().String()+" event dropped", http.StatusTooManyRequests)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// postSettings merges the body into the current settings
func (h *HTTPDevice) postSettings(w http.ResponseWriter, r *http.Request) {
	s := h.dev.Settings()
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = s.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.accept(w, events.SettingsChanged{Settings: s})
}

func (h *HTTPDevice) postProperty(w http.ResponseWriter, r *http.Request) {
	var p events.PropertyChanged
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.Device == "" {
		http.Error(w, "device is required", http.StatusBadRequest)
		return
	}
	h.accept(w, p)
}

func (h *HTTPDevice) publishes(e events.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.accept(w, e)
	}
}

func (h *HTTPDevice) getJSON(fcn func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(fcn()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func (h *HTTPDevice) getBuffer(fcn func() waveform.Matrix) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := fcn()
		if m.Cols() == 0 {
			http.Error(w, "buffer not built", http.StatusNotFound)
			return
		}
		var err error
		if r.URL.Query().Get("format") == "fits" {
			w.Header().Set("Content-Type", "application/fits")
			err = WriteFITS(w, m, fitsio.Card{Name: "RATE", Value: h.dev.Timing().SampleRate, Comment: "samples per second"})
		} else {
			w.Header().Set("Content-Type", "text/csv")
			err = WriteCSV(w, m)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
