package moisture

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

const (
	// DefaultDebounce drops edges arriving closer together than this.
	DefaultDebounce = time.Millisecond

	// bounds how long a watcher can miss a cancelled context
	edgeWaitTimeout = 100 * time.Millisecond
)

// EdgePin is the part of a periph gpio.PinIn the watcher needs.
type EdgePin interface {
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

// EdgeError reports that rising-edge detection could not be set up on a pin,
// usually because another subsystem already claimed it.
type EdgeError struct {
	Pin         int
	Remediation string
	Err         error
}

func (e *EdgeError) Error() string {
	msg := fmt.Sprintf("moisture: unable to set up edge detection on BCM%d: %s", e.Pin, e.Err)
	if e.Remediation != "" {
		msg += "\n\n" + e.Remediation
	}
	return msg
}

func (e *EdgeError) Unwrap() error {
	return e.Err
}

func (e *EdgeError) Cause() error {
	return e.Err
}

// BCM8 is SPI0 CE0 by default.
const bcm8Remediation = `Please ensure you add the following to /boot/config.txt and reboot:

dtoverlay=spi0-cs,cs0_pin=14 # Re-assign CS0 from BCM 8 so that Grow can use it`

func newEdgeError(pin int, err error) *EdgeError {
	e := &EdgeError{Pin: pin, Err: err}
	if pin == 8 {
		e.Remediation = bcm8Remediation
	}
	return e
}

// OpenPin arms rising-edge detection on the BCM pin of channel.
// periph.io host drivers must be initialized first.
func OpenPin(channel int) (gpio.PinIO, error) {
	if channel < 1 || channel > len(Pins) {
		return nil, errors.Wrapf(ErrInvalidChannel, "got %d", channel)
	}
	bcm := Pins[channel-1]
	p := gpioreg.ByName(fmt.Sprintf("GPIO%d", bcm))
	if p == nil {
		return nil, newEdgeError(bcm, errors.New("pin not found"))
	}
	if err := p.In(gpio.PullNoChange, gpio.RisingEdge); err != nil {
		return nil, newEdgeError(bcm, err)
	}
	return p, nil
}

// Watcher feeds the edges of one pin into a Sensor.
type Watcher struct {
	Sensor   *Sensor
	Pin      EdgePin
	Debounce time.Duration

	now func() time.Time
}

func NewWatcher(sensor *Sensor, pin EdgePin) *Watcher {
	return &Watcher{
		Sensor:   sensor,
		Pin:      pin,
		Debounce: DefaultDebounce,
		now:      time.Now,
	}
}

// Run counts edges until ctx is done, then halts the pin.
func (w *Watcher) Run(ctx context.Context) {
	logger := log.WithField("channel", w.Sensor.Channel())
	logger.Debugf("watching moisture pulses on BCM%d", w.Sensor.Pin())
	defer func() {
		if err := w.Pin.Halt(); err != nil {
			logger.Warnf("failed to halt pin: %s", err)
		}
		logger.Debugf("stopped watching moisture pulses")
	}()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.Pin.WaitForEdge(edgeWaitTimeout) {
			continue
		}
		t := w.now()
		if !last.IsZero() && t.Sub(last) < w.Debounce {
			continue
		}
		last = t
		w.Sensor.RecordPulse(t)
	}
}
