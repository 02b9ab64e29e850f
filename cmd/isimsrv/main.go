package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/isim/eventbridge"
	"github.com/nasa-jpl/isim/sequencer"
	"github.com/nasa-jpl/isim/server/middleware/locker"
	"github.com/nasa-jpl/isim/util"
	"github.com/nasa-jpl/isim/waveform"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "isimsrv.yml"
	k              = koanf.New(".")
)

func root() {
	str := `isimsrv synthesizes and sequences the analog waveforms of the iSIM
light-sheet microscope: galvo, z stage, camera trigger, AOTF blanking and the
488 and 561 nm AOTF lines.

Usage:
	isimsrv <command>

Commands:
	run
	acquire [settings.yml]
	dump [settings.yml] [prefix]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `isimsrv is amenable to configuration via its .yaml file, isimsrv.yml in
the working directory, and via ISIM_ environment variables; a double
underscore descends a level, e.g. ISIM_SEQUENCER__LED_POWER=0.5.  Run mkconf
to write the defaults out.  For a primer on YAML, see https://yaml.org/start.html

run
	serves the instrument over HTTP at Addr, under Root:
	GET/POST live, POST settings, POST property, POST acquisition/start,
	POST acquisition/end, GET timing, GET state, GET buffer/live,
	GET buffer/acquisition (?format=fits for FITS), GET/POST lock.
	Control software events are accepted as websocket messages at /events,
	or read from the Bridge URL if one is configured.

acquire
	runs a single acquisition from a settings file and waits for it to play out.

dump
	writes the live tile and acquisition buffer for a settings file to
	<prefix>-live.fits and <prefix>-acquisition.fits.

Driver is "sim" to simulate the analog outputs, or "remote" to stream to a
dacsrv-style HTTP DAC at DACAddr.  Stage Type is "mock", "http" or "gcs"
(PI controllers, TCP or serial).`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		fatal(err)
	}
}

func pversion() {
	fmt.Printf("isimsrv version %v\n", Version)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func run() {
	c, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	log := newLogger(c.LogLevel)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lock := locker.New()
	inst, err := c.build(log, sequencer.WithLocker(lock))
	if err != nil {
		log.Fatal().Err(err).Msg("building instrument")
	}
	go inst.disp.Run(ctx)
	if err = inst.dev.Attach(ctx); err != nil {
		log.Fatal().Err(err).Msg("attaching to the analog outputs")
	}
	defer inst.dev.Close()

	h := sequencer.NewHTTPDevice(inst.dev, inst.disp, lock)
	mux := chi.NewRouter()
	mux.Use(middleware.Logger)
	mux.Mount(c.Root, h.Router())
	mux.Handle("/events", eventbridge.NewHandler(ctx, inst.disp, log.With().Str("component", "bridge").Logger()))
	if c.Bridge != "" {
		client := eventbridge.NewClient(c.Bridge, inst.disp, log.With().Str("component", "bridge").Logger())
		go client.Run(ctx)
	}

	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		log.Info().Str("addr", c.Addr).Str("driver", c.Driver).Msg("now listening for requests")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()
	<-ctx.Done()
	log.Info().Msg("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	srv.Shutdown(sctx)
}

// prepare builds and attaches an instrument with the settings at path
func prepare(ctx context.Context, c Config, path string) (*instrument, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	inst, err := c.build(newLogger(c.LogLevel), sequencer.WithSettings(s))
	if err != nil {
		return nil, err
	}
	return inst, inst.dev.Attach(ctx)
}

func acquire(path string) {
	c, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	inst, err := prepare(ctx, c, path)
	if err != nil {
		fatal(err)
	}
	defer inst.dev.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " acquiring",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	})
	if err != nil {
		fatal(err)
	}
	if err = inst.dev.Acquisition.Run(ctx); err != nil {
		fatal(err)
	}
	samples, clamped := inst.dev.Acquisition.Info()
	rate := inst.dev.Timing().SampleRate
	playout := util.SecsToDuration(float64(samples) / rate)
	spinner.Message(fmt.Sprintf("%d samples at %.0f Hz, %v", samples, rate, playout))
	if clamped {
		inst.log.Warn().Msg("interval shorter than one timepoint, running back to back")
	}
	spinner.Start()

	select {
	case <-inst.dev.Acquisition.Done():
	case <-ctx.Done():
	}
	if err = inst.dev.Acquisition.Finish(context.Background()); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage("done")
	spinner.Stop()
}

func dump(path, prefix string) {
	c, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	c.Driver = "sim"
	inst, err := prepare(context.Background(), c, path)
	if err != nil {
		fatal(err)
	}
	defer inst.dev.Close()
	rate := fitsio.Card{Name: "RATE", Value: inst.dev.Timing().SampleRate, Comment: "samples per second"}
	bufs := map[string]waveform.Matrix{
		"live":        inst.dev.Live.Tile(),
		"acquisition": inst.dev.Acquisition.Buffer(),
	}
	for name, m := range bufs {
		fn := prefix + "-" + name + ".fits"
		if err := writeFITSFile(fn, m, rate); err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s, %d samples\n", fn, m.Cols())
	}
}

func writeFITSFile(fn string, m waveform.Matrix, cards ...fitsio.Card) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	return sequencer.WriteFITS(f, m, cards...)
}

func arg(i int, def string) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return def
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "acquire":
		acquire(arg(2, ""))
		return
	case "dump":
		settings := arg(2, "")
		def := "isim"
		if settings != "" {
			def = strings.TrimSuffix(filepath.Base(settings), filepath.Ext(settings))
		}
		dump(settings, arg(3, def))
		return
	case "version":
		pversion()
		return
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}
