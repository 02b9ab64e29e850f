/*Package brightfield switches the microscope between fluorescence and
brightfield imaging: it moves the filter flippers out of the detection path
and drives the LED on its dedicated analog output.
*/
package brightfield

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/isim/daq"
	"github.com/nasa-jpl/isim/generichttp"
)

// Flipper moves the filter flippers; up=true clears the path for brightfield
type Flipper interface {
	SetBrightfield(up bool) error
}

// NopFlipper is a Flipper for setups without flippers
type NopFlipper struct{}

// SetBrightfield does nothing
func (NopFlipper) SetBrightfield(bool) error { return nil }

// HTTPFlipper posts {"bool": up} to a flipper controller
type HTTPFlipper struct {
	URL    string
	Client *http.Client
}

// NewHTTPFlipper returns a flipper client for url
func NewHTTPFlipper(url string) *HTTPFlipper {
	return &HTTPFlipper{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

// SetBrightfield satisfies Flipper
func (f *HTTPFlipper) SetBrightfield(up bool) error {
	body, err := json.Marshal(generichttp.BoolT{Bool: up})
	if err != nil {
		return err
	}
	resp, err := f.Client.Post(f.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("flippers: %s %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Controller holds the LED and flipper state
type Controller struct {
	drv      daq.Driver
	channel  string
	flippers Flipper
	log      zerolog.Logger

	mu         sync.Mutex
	ledOn      bool
	flippersUp bool
}

// New returns a controller driving the LED on channel through drv
func New(drv daq.Driver, channel string, flippers Flipper, log zerolog.Logger) *Controller {
	if flippers == nil {
		flippers = NopFlipper{}
	}
	return &Controller{drv: drv, channel: channel, flippers: flippers, log: log}
}

// Reset turns the LED off and lowers the flippers
func (c *Controller) Reset() error {
	if err := c.LED(false, 0); err != nil {
		return err
	}
	return c.SetFlippers(false)
}

// LED sets the LED output to power volts, or 0 when off.  The level is
// written as a single sample on a short-lived task.
func (c *Controller) LED(on bool, power float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !on {
		power = 0
	}
	task, err := c.drv.Open(daq.TaskConfig{
		Channels:   []string{c.channel},
		SampleRate: 1000,
		Mode:       daq.Finite,
		Samples:    1,
	})
	if err != nil {
		return fmt.Errorf("opening LED task: %w", err)
	}
	defer task.Close()
	if _, err = task.Write([][]float64{{power}}, time.Second); err != nil {
		return err
	}
	if err = task.Start(); err != nil {
		return err
	}
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		return fmt.Errorf("LED write on %s did not complete", c.channel)
	}
	c.ledOn = on
	c.log.Debug().Bool("on", on).Float64("volts", power).Msg("LED")
	return nil
}

// ToggleLED inverts the LED state at the given power
func (c *Controller) ToggleLED(power float64) error {
	on, _ := c.State()
	return c.LED(!on, power)
}

// SetFlippers raises (up=true) or lowers the flippers
func (c *Controller) SetFlippers(up bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.flippers.SetBrightfield(up); err != nil {
		return err
	}
	c.flippersUp = up
	return nil
}

// ToggleFlippers inverts the flipper state
func (c *Controller) ToggleFlippers() error {
	_, up := c.State()
	return c.SetFlippers(!up)
}

// State returns whether the LED is on and whether the flippers are up
func (c *Controller) State() (ledOn, flippersUp bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledOn, c.flippersUp
}
