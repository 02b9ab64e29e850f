// Command dacsrv serves a simulated waveform DAC over HTTP, for running
// isimsrv with Driver "remote" away from the instrument.
//
// Usage:
//
//	dacsrv [addr]
//
// addr defaults to :8001; the DAC is served under /dac.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/isim/daq"
	"github.com/nasa-jpl/isim/server/middleware/locker"
)

// SetupHTTP creates a new chi router that exposes an interface to the DAC
func SetupHTTP(dac *daq.HTTPDAC) chi.Router {
	lock := locker.New()
	locker.Inject(dac, lock)
	r := chi.NewRouter()
	r.Use(lock.Check)
	dac.RouteTable.Bind(r)
	return r
}

func main() {
	addr := ":8001"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	sim := daq.NewSim(log.With().Str("component", "sim").Logger())
	dac := daq.NewHTTPDAC(sim, "Dev1/ao%d", log)

	r := SetupHTTP(dac)
	r.Get("/levels", func(w http.ResponseWriter, req *http.Request) {
		levels := map[string]float64{}
		for i := 0; i < 8; i++ {
			ch := fmt.Sprintf("Dev1/ao%d", i)
			if v, ok := sim.Level(ch); ok {
				levels[ch] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(levels)
	})
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Mount("/dac", r)
	log.Info().Str("addr", addr).Msg("simulated DAC available via HTTP at /dac")
	if err := http.ListenAndServe(addr, root); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}
