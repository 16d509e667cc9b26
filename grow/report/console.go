// Package report delivers monitor reports to the console, Prometheus, MQTT
// and Kafka.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/alepar/growmon/grow/airquality"
	"github.com/alepar/growmon/grow/monitor"
)

const separator = "----------------------------------------"

// Console prints human readable report blocks.
type Console struct {
	Out io.Writer
}

func (c *Console) Report(_ context.Context, r monitor.Report) error {
	_, err := io.WriteString(c.Out, FormatReport(r))
	return errors.Wrap(err, "failed to write report")
}

func FormatReport(r monitor.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Time: %s\n", r.Time.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Temperature: %.2f °C\n", r.Env.Temperature)
	fmt.Fprintf(&b, "Pressure: %.2f hPa\n", r.Env.Pressure)
	fmt.Fprintf(&b, "Humidity: %.2f %%\n", r.Env.Humidity)

	switch {
	case r.AirQuality != nil:
		aq := r.AirQuality
		fmt.Fprintf(&b, "Gas Resistance: %.0f Ohms\n", aq.GasResistance)
		fmt.Fprintf(&b, "AQI: %.2f\n", aq.AQI)
		fmt.Fprintf(&b, "Estimated CO2: %.2f ppm\n", aq.CO2)
		fmt.Fprintf(&b, "Estimated TVOC: %.2f ppb\n", aq.TVOC)
	case r.State == airquality.BurningIn:
		fmt.Fprintf(&b, "Gas: %.0f Ohms (burn-in %s, %d samples)\n",
			r.Env.GasResistance, r.BurnInElapsed.Round(time.Second), r.BurnInSamples)
	case !r.Env.HeatStable:
		b.WriteString("Gas: heater not stable\n")
	}

	for _, m := range r.Moisture {
		if m.Calibrated {
			fmt.Fprintf(&b, "Moisture Sensor %d: %.2f Hz -> Saturation: %.2f %%\n", m.Channel, m.Frequency, m.Saturation*100)
		} else {
			fmt.Fprintf(&b, "Moisture Sensor %d: %.2f Hz -> Saturation: undefined\n", m.Channel, m.Frequency)
		}
	}

	b.WriteString(separator)
	b.WriteString("\n")
	return b.String()
}
