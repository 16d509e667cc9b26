package report

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alepar/growmon/grow/airquality"
	"github.com/alepar/growmon/grow/monitor"
)

// Metrics exposes reports as Prometheus gauges.
type Metrics struct {
	humidity      *prometheus.GaugeVec
	temperature   *prometheus.GaugeVec
	atmPressure   *prometheus.GaugeVec
	gasResistance *prometheus.GaugeVec
	heatStable    *prometheus.GaugeVec
	burnIn        *prometheus.GaugeVec
	aqi           *prometheus.GaugeVec
	co2Level      *prometheus.GaugeVec
	vocLevel      *prometheus.GaugeVec

	moistureFrequency  *prometheus.GaugeVec
	moistureSaturation *prometheus.GaugeVec
	moistureActive     *prometheus.GaugeVec
}

func newGauge(name string, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		append([]string{"station"}, labels...),
	)
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		humidity:      newGauge("air_humidity", "Humidity (units: % of relative Humidity)"),
		temperature:   newGauge("air_temperature", "Air Temperature (units: degrees Celsius)"),
		atmPressure:   newGauge("air_atm_pressure", "Atmospheric Pressure (units: hPa)"),
		gasResistance: newGauge("air_gas_resistance", "Gas sensor resistance (units: Ohms)"),
		heatStable:    newGauge("air_gas_heat_stable", "1 if the gas heater reached its target temperature"),
		burnIn:        newGauge("air_quality_burn_in", "1 while the gas baseline is being collected"),
		aqi:           newGauge("air_quality_index", "Air quality score, 1-500 proxy (not the EPA index)"),
		co2Level:      newGauge("air_co2_level", "Estimated Air Carbon Dioxide level (units: ppm)"),
		vocLevel:      newGauge("air_voc_level", "Estimated Air Volatile Organic Compounds level (units: ppb)"),

		moistureFrequency:  newGauge("soil_moisture_frequency", "Moisture sensor pulse rate (units: Hz)", "channel"),
		moistureSaturation: newGauge("soil_moisture_saturation", "Soil saturation, 0 dry to 1 wet", "channel"),
		moistureActive:     newGauge("soil_moisture_active", "1 if the moisture sensor produced pulses within the last second", "channel"),
	}
	reg.MustRegister(
		m.humidity, m.temperature, m.atmPressure, m.gasResistance, m.heatStable,
		m.burnIn, m.aqi, m.co2Level, m.vocLevel,
		m.moistureFrequency, m.moistureSaturation, m.moistureActive,
	)
	return m
}

func (m *Metrics) Report(_ context.Context, r monitor.Report) error {
	st := r.Station
	m.humidity.WithLabelValues(st).Set(r.Env.Humidity)
	m.temperature.WithLabelValues(st).Set(r.Env.Temperature)
	m.atmPressure.WithLabelValues(st).Set(r.Env.Pressure)
	m.gasResistance.WithLabelValues(st).Set(r.Env.GasResistance)
	m.heatStable.WithLabelValues(st).Set(boolGauge(r.Env.HeatStable))
	m.burnIn.WithLabelValues(st).Set(boolGauge(r.State == airquality.BurningIn))

	if aq := r.AirQuality; aq != nil {
		m.aqi.WithLabelValues(st).Set(aq.AQI)
		m.co2Level.WithLabelValues(st).Set(aq.CO2)
		m.vocLevel.WithLabelValues(st).Set(aq.TVOC)
	} else {
		// no estimate yet, keep stale values out of the scrape
		m.aqi.DeleteLabelValues(st)
		m.co2Level.DeleteLabelValues(st)
		m.vocLevel.DeleteLabelValues(st)
	}

	for _, mr := range r.Moisture {
		ch := strconv.Itoa(mr.Channel)
		m.moistureFrequency.WithLabelValues(st, ch).Set(mr.Frequency)
		m.moistureActive.WithLabelValues(st, ch).Set(boolGauge(mr.Active))
		if mr.Calibrated {
			m.moistureSaturation.WithLabelValues(st, ch).Set(mr.Saturation)
		} else {
			m.moistureSaturation.DeleteLabelValues(st, ch)
		}
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
