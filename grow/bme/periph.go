// Package bme provides environmental sensor sources for growmon.
package bme

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"

	"github.com/alepar/growmon/grow"
)

const (
	AddrPrimary   uint16 = 0x76
	AddrSecondary uint16 = 0x77
)

// Periph reads a Bosch bmxx80 sensor on the local I2C bus through periph.io.
// The bmxx80 family has no gas heater, so samples are never heat stable.
type Periph struct {
	// Bus is the I2C bus name, empty for the first available bus.
	Bus string
	// Addr is tried first, then the other of the two Bosch addresses.
	Addr uint16

	mu   sync.Mutex
	bus  i2c.BusCloser
	dev  *bmxx80.Dev
	addr uint16
}

func (p *Periph) Configure(cfg grow.EnvConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bus == nil {
		if _, err := host.Init(); err != nil {
			return errors.Wrap(err, "failed to initialize periph host drivers")
		}
		bus, err := i2creg.Open(p.Bus)
		if err != nil {
			return errors.Wrapf(err, "failed to open I2C bus %q", p.Bus)
		}
		p.bus = bus
	}
	if p.dev != nil {
		if err := p.dev.Halt(); err != nil {
			log.Warnf("failed to halt bmxx80 before reconfiguring: %s", err)
		}
		p.dev = nil
	}

	opts := periphOpts(cfg)
	var lastErr error
	for _, addr := range addresses(p.Addr) {
		dev, err := bmxx80.NewI2C(p.bus, addr, &opts)
		if err == nil {
			p.dev = dev
			p.addr = addr
			log.Infof("found %s at I2C address 0x%02x", dev, addr)
			break
		}
		lastErr = err
		log.Debugf("no bmxx80 at I2C address 0x%02x: %s", addr, err)
	}
	if p.dev == nil {
		return errors.Wrap(lastErr, "failed to find a bmxx80 sensor")
	}

	if cfg.GasEnabled {
		log.Warnf("gas heater settings (%d C for %s, profile %d) ignored: bmxx80 has no gas sensor",
			cfg.HeaterTemperature, cfg.HeaterDuration, cfg.HeaterProfile)
	}
	return nil
}

// addresses lists the I2C addresses to try for a Bosch sensor, preferred first.
func addresses(preferred uint16) []uint16 {
	switch preferred {
	case AddrSecondary:
		return []uint16{AddrSecondary, AddrPrimary}
	case 0, AddrPrimary:
		return []uint16{AddrPrimary, AddrSecondary}
	default:
		return []uint16{preferred}
	}
}

func (p *Periph) Sample(ctx context.Context) (grow.EnvValues, error) {
	if err := ctx.Err(); err != nil {
		return grow.EnvValues{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return grow.EnvValues{}, errors.New("bmxx80 not configured")
	}

	var env physic.Env
	if err := p.dev.Sense(&env); err != nil {
		return grow.EnvValues{}, errors.Wrap(err, "failed to sense")
	}
	return envValues(time.Now(), env), nil
}

func (p *Periph) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.dev != nil {
		err = p.dev.Halt()
		p.dev = nil
	}
	if p.bus != nil {
		if closeErr := p.bus.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		p.bus = nil
	}
	return errors.Wrap(err, "failed to close bmxx80")
}

func envValues(t time.Time, env physic.Env) grow.EnvValues {
	return grow.EnvValues{
		Time:        t,
		Temperature: env.Temperature.Celsius(),
		Pressure:    float64(env.Pressure) / float64(100*physic.Pascal),
		Humidity:    float64(env.Humidity) / float64(physic.PercentRH),
	}
}

func periphOpts(cfg grow.EnvConfig) bmxx80.Opts {
	return bmxx80.Opts{
		Temperature: periphOversampling(cfg.Temperature),
		Pressure:    periphOversampling(cfg.Pressure),
		Humidity:    periphOversampling(cfg.Humidity),
		Filter:      periphFilter(cfg.Filter),
	}
}

func periphOversampling(o grow.Oversampling) bmxx80.Oversampling {
	switch o {
	case grow.Oversampling1X:
		return bmxx80.O1x
	case grow.Oversampling2X:
		return bmxx80.O2x
	case grow.Oversampling4X:
		return bmxx80.O4x
	case grow.Oversampling8X:
		return bmxx80.O8x
	case grow.Oversampling16X:
		return bmxx80.O16x
	default:
		return bmxx80.Off
	}
}

// periphFilter maps an IIR filter size onto the bmxx80 coefficient; a size
// of n corresponds to a coefficient of n+1.
func periphFilter(f grow.FilterSize) bmxx80.Filter {
	switch {
	case f <= grow.FilterSize0:
		return bmxx80.NoFilter
	case f <= grow.FilterSize1:
		return bmxx80.F2
	case f <= grow.FilterSize3:
		return bmxx80.F4
	case f <= grow.FilterSize7:
		return bmxx80.F8
	default:
		return bmxx80.F16
	}
}
