package grow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// EnvSource is a triggered environmental sensor: temperature, pressure,
// humidity and, when the chip has a heater, gas resistance.
// Configure must be called before the first Sample.
type EnvSource interface {
	Configure(cfg EnvConfig) error
	Sample(ctx context.Context) (EnvValues, error)
	Close() error
}

type EnvValues struct {
	Time time.Time `json:"timestamp"`

	// units: degrees Celsius
	Temperature float64 `json:"temperature_c"`

	// units: hPa
	Pressure float64 `json:"pressure_hpa"`

	// units: % of relative Humidity
	Humidity float64 `json:"humidity_pct"`

	// units: Ohms
	GasResistance float64 `json:"gas_resistance_ohms"`

	// gas heater reached its target temperature; GasResistance is only
	// meaningful when set
	HeatStable bool `json:"heat_stable"`
}

type Oversampling int

const (
	OversamplingSkipped Oversampling = 0
	Oversampling1X      Oversampling = 1
	Oversampling2X      Oversampling = 2
	Oversampling4X      Oversampling = 4
	Oversampling8X      Oversampling = 8
	Oversampling16X     Oversampling = 16
)

// FilterSize is the IIR filter size. Larger values give steadier readings
// but slower reaction times.
type FilterSize int

const (
	FilterSize0   FilterSize = 0
	FilterSize1   FilterSize = 1
	FilterSize3   FilterSize = 3
	FilterSize7   FilterSize = 7
	FilterSize15  FilterSize = 15
	FilterSize31  FilterSize = 31
	FilterSize63  FilterSize = 63
	FilterSize127 FilterSize = 127
)

type EnvConfig struct {
	Humidity    Oversampling `yaml:"humidity_oversample" json:"humidity_oversample"`
	Pressure    Oversampling `yaml:"pressure_oversample" json:"pressure_oversample"`
	Temperature Oversampling `yaml:"temperature_oversample" json:"temperature_oversample"`
	Filter      FilterSize   `yaml:"filter" json:"filter"`

	GasEnabled bool `yaml:"gas_enabled" json:"gas_enabled"`
	// units: degrees Celsius
	HeaterTemperature int           `yaml:"heater_temperature" json:"heater_temperature"`
	HeaterDuration    time.Duration `yaml:"heater_duration" json:"heater_duration"`
	HeaterProfile     int           `yaml:"heater_profile" json:"heater_profile"`
}

// DefaultEnvConfig balances accuracy and noise for indoor air monitoring.
var DefaultEnvConfig = EnvConfig{
	Humidity:          Oversampling2X,
	Pressure:          Oversampling4X,
	Temperature:       Oversampling8X,
	Filter:            FilterSize3,
	GasEnabled:        true,
	HeaterTemperature: 320,
	HeaterDuration:    150 * time.Millisecond,
	HeaterProfile:     0,
}

func (c EnvConfig) Validate() error {
	for name, over := range map[string]Oversampling{
		"humidity":    c.Humidity,
		"pressure":    c.Pressure,
		"temperature": c.Temperature,
	} {
		switch over {
		case OversamplingSkipped, Oversampling1X, Oversampling2X, Oversampling4X, Oversampling8X, Oversampling16X:
		default:
			return errors.Errorf("invalid %s oversampling %d", name, over)
		}
	}

	switch c.Filter {
	case FilterSize0, FilterSize1, FilterSize3, FilterSize7, FilterSize15, FilterSize31, FilterSize63, FilterSize127:
	default:
		return errors.Errorf("invalid filter size %d", c.Filter)
	}

	if !c.GasEnabled {
		return nil
	}
	if c.HeaterTemperature < 200 || c.HeaterTemperature > 400 {
		return errors.Errorf("heater temperature %d outside 200-400 C", c.HeaterTemperature)
	}
	if c.HeaterDuration < time.Millisecond || c.HeaterDuration > 4032*time.Millisecond {
		return errors.Errorf("heater duration %s outside 1-4032ms", c.HeaterDuration)
	}
	if c.HeaterProfile < 0 || c.HeaterProfile > 9 {
		return errors.Errorf("heater profile %d outside 0-9", c.HeaterProfile)
	}
	return nil
}
