package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-yaml/yaml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/isim/brightfield"
	"github.com/nasa-jpl/isim/daq"
	"github.com/nasa-jpl/isim/events"
	"github.com/nasa-jpl/isim/sequencer"
	"github.com/nasa-jpl/isim/stage"
	"github.com/nasa-jpl/isim/waveform"
)

// StageSetup describes the z stage
type StageSetup struct {
	// Type is one of mock, http, gcs
	Type string `koanf:"type" yaml:"type"`

	// Addr is host:port for http and gcs, or a serial port for gcs
	Addr string `koanf:"addr" yaml:"addr"`

	Axis string `koanf:"axis" yaml:"axis"`

	// Serial selects RS232 for gcs
	Serial bool `koanf:"serial" yaml:"serial"`
}

// DedupSetup holds the duplicate suppression window per event kind
type DedupSetup struct {
	Settings           time.Duration `koanf:"settings" yaml:"settings"`
	AcquisitionStarted time.Duration `koanf:"acquisition_started" yaml:"acquisition_started"`
	StagePosition      time.Duration `koanf:"stage_position" yaml:"stage_position"`
}

// Config is the server configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// Root is the URL stem the instrument routes are served under
	Root string `koanf:"root" yaml:"root"`

	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// Driver is sim or remote
	Driver string `koanf:"driver" yaml:"driver"`

	// DACAddr is the base URL of the remote DAC server when Driver is remote
	DACAddr string `koanf:"dac_addr" yaml:"dac_addr"`

	// SimSpeedup compresses simulated playback time
	SimSpeedup float64 `koanf:"sim_speedup" yaml:"sim_speedup"`

	// Bridge is the websocket URL of the control-software bridge.  If empty,
	// the bridge is expected to connect to /events.
	Bridge string `koanf:"bridge" yaml:"bridge"`

	Stage StageSetup `koanf:"stage" yaml:"stage"`

	// LEDChannel is the analog output of the brightfield LED
	LEDChannel string `koanf:"led_channel" yaml:"led_channel"`

	// Flippers is the URL the flipper mirrors are set with; empty for none
	Flippers string `koanf:"flippers" yaml:"flippers"`

	Dedup DedupSetup `koanf:"dedup" yaml:"dedup"`

	Sequencer sequencer.Config `koanf:"sequencer" yaml:"sequencer"`
}

func defaultConfig() Config {
	w := events.DefaultWindows()
	return Config{
		Addr:       ":8000",
		Root:       "/isim",
		LogLevel:   "info",
		Driver:     "sim",
		DACAddr:    "http://localhost:8001/dac",
		SimSpeedup: 1,
		Stage:      StageSetup{Type: "mock", Axis: "1"},
		LEDChannel: "Dev1/ao6",
		Dedup: DedupSetup{
			Settings:           w[events.KindSettings],
			AcquisitionStarted: w[events.KindAcquisitionStarted],
			StagePosition:      w[events.KindStagePosition],
		},
		Sequencer: sequencer.DefaultConfig(),
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), kyaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	// ISIM_SEQUENCER__WAVEFORM__LED_VOLTAGE=0.5 sets sequencer.waveform.led_voltage
	k.Load(env.Provider("ISIM_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "ISIM_"))
		return strings.Replace(s, "__", ".", -1)
	}), nil)
}

func loadConfig() (Config, error) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	return c, c.Sequencer.Validate()
}

// LoadSettings reads acquisition settings from a YAML or JSON file.  Fields
// absent from the file keep their defaults.
func LoadSettings(path string) (waveform.Settings, error) {
	s := waveform.DefaultSettings()
	if path == "" {
		return s, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return s, err
	}
	defer f.Close()
	if err = yaml.NewDecoder(f).Decode(&s); err != nil {
		return s, fmt.Errorf("decoding %s: %w", path, err)
	}
	return s, s.Validate()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
}

func (c Config) windows() map[events.Kind]time.Duration {
	return map[events.Kind]time.Duration{
		events.KindSettings:           c.Dedup.Settings,
		events.KindAcquisitionStarted: c.Dedup.AcquisitionStarted,
		events.KindStagePosition:      c.Dedup.StagePosition,
	}
}

func (c Config) driver(log zerolog.Logger) (daq.Driver, error) {
	switch strings.ToLower(c.Driver) {
	case "sim", "":
		s := daq.NewSim(log)
		if c.SimSpeedup > 0 {
			s.Speedup = c.SimSpeedup
		}
		return s, nil
	case "remote", "dac":
		return daq.NewRemote(c.DACAddr, log), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", c.Driver)
	}
}

func (c Config) stage() (stage.Mover, error) {
	switch strings.ToLower(c.Stage.Type) {
	case "mock", "":
		return stage.NewMock(0), nil
	case "http":
		return stage.NewHTTP(c.Stage.Addr, c.Stage.Axis), nil
	case "gcs", "pi":
		return stage.NewGCS(c.Stage.Addr, c.Stage.Axis, c.Stage.Serial), nil
	default:
		return nil, fmt.Errorf("unknown stage type %q", c.Stage.Type)
	}
}

// instrument is everything the commands need, wired together
type instrument struct {
	disp *events.Dispatcher
	dev  *sequencer.Device
	log  zerolog.Logger
}

func (c Config) build(log zerolog.Logger, opts ...sequencer.Option) (*instrument, error) {
	drv, err := c.driver(log.With().Str("component", "driver").Logger())
	if err != nil {
		return nil, err
	}
	mover, err := c.stage()
	if err != nil {
		return nil, err
	}
	var flip brightfield.Flipper = brightfield.NopFlipper{}
	if c.Flippers != "" {
		flip = brightfield.NewHTTPFlipper(c.Flippers)
	}
	bf := brightfield.New(drv, c.LEDChannel, flip, log.With().Str("component", "brightfield").Logger())
	disp := events.NewDispatcher(c.windows(), log.With().Str("component", "events").Logger())
	opts = append([]sequencer.Option{
		sequencer.WithConfig(c.Sequencer),
		sequencer.WithStage(mover),
		sequencer.WithBrightfield(bf),
	}, opts...)
	dev := sequencer.New(drv, disp, log, opts...)
	return &instrument{disp: disp, dev: dev, log: log}, nil
}
