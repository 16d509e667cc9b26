// Package moisture implements the Grow capacitive soil-moisture sensor.
//
// The sensor outputs a pulse train whose frequency drops as the soil gets
// wetter. Rising edges are counted and aggregated into a pulses-per-second
// reading once at least a second has elapsed; saturation is that reading
// normalized against calibrated wet and dry points.
package moisture

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	HistoryLength = 200

	// Defaults in pulses/sec. Full immersion reads close to the wet point,
	// dry soil close to the dry point.
	DefaultWetPoint = 0.7
	DefaultDryPoint = 27.6

	// readings at or above this are outside what the sensor produces
	maxActiveFrequency = 28.0

	aggregationWindow = time.Second
	livenessWindow    = time.Second
)

// Pins maps channels 1-4 to BCM pin numbers. Channel 4 is the Int pin.
var Pins = [...]int{23, 8, 25, 4}

var (
	ErrCalibrationUndefined = errors.New("moisture: wet and dry points are equal or not finite, saturation is undefined")
	ErrInvalidChannel       = errors.New("moisture: channel must be 1-4")
	ErrInvalidCalibration   = errors.New("moisture: calibration points must be finite and non-negative")
)

// Sensor holds the state of one moisture channel. RecordPulse is meant to be
// called from the edge watcher goroutine while readers poll concurrently.
type Sensor struct {
	channel int
	now     func() time.Time

	mu          sync.Mutex
	count       int
	reading     float64
	history     []float64
	lastPulse   time.Time
	lastReading time.Time
	newData     bool
	wetPoint    float64
	dryPoint    float64
}

type Option func(*Sensor)

func WithWetPoint(v float64) Option {
	return func(s *Sensor) { s.wetPoint = v }
}

func WithDryPoint(v float64) Option {
	return func(s *Sensor) { s.dryPoint = v }
}

// WithClock replaces time.Now, for tests and replays.
func WithClock(now func() time.Time) Option {
	return func(s *Sensor) { s.now = now }
}

func New(channel int, opts ...Option) (*Sensor, error) {
	if channel < 1 || channel > len(Pins) {
		return nil, errors.Wrapf(ErrInvalidChannel, "got %d", channel)
	}
	s := &Sensor{
		channel:  channel,
		now:      time.Now,
		history:  make([]float64, 0, HistoryLength),
		wetPoint: DefaultWetPoint,
		dryPoint: DefaultDryPoint,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := ValidatePoint(s.wetPoint); err != nil {
		return nil, errors.Wrapf(err, "channel %d wet point", channel)
	}
	if err := ValidatePoint(s.dryPoint); err != nil {
		return nil, errors.Wrapf(err, "channel %d dry point", channel)
	}
	start := s.now()
	s.lastPulse = start
	s.lastReading = start
	return s, nil
}

func (s *Sensor) Channel() int {
	return s.channel
}

// Pin returns the BCM pin number of the sensor's channel.
func (s *Sensor) Pin() int {
	return Pins[s.channel-1]
}

// RecordPulse counts one rising edge seen at t and closes the aggregation
// window if a second or more has passed since the previous reading.
func (s *Sensor) RecordPulse(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.lastPulse = t

	elapsed := t.Sub(s.lastReading)
	if elapsed < aggregationWindow {
		return
	}
	s.reading = float64(s.count) / elapsed.Seconds()
	s.pushHistory(s.reading)
	s.count = 0
	s.lastReading = t
	s.newData = true
}

// pushHistory inserts at the front, dropping the oldest entry once full.
func (s *Sensor) pushHistory(v float64) {
	if len(s.history) < HistoryLength {
		s.history = append(s.history, 0)
	}
	copy(s.history[1:], s.history)
	s.history[0] = v
}

// Moisture returns the latest reading in pulses/sec and clears the new data flag.
// The value is inversely proportional to the amount of moisture.
func (s *Sensor) Moisture() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newData = false
	return s.reading
}

// NewData reports whether a reading completed since Moisture or Saturation
// was last called.
func (s *Sensor) NewData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newData
}

// Saturation returns the latest reading normalized to 0.0 (dry) - 1.0 (wet).
func (s *Sensor) Saturation() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newData = false
	return saturation(s.reading, s.wetPoint, s.dryPoint)
}

// HistorySaturation returns the saturation of every historic reading,
// most recent first.
func (s *Sensor) HistorySaturation() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]float64, len(s.history))
	for i, f := range s.history {
		sat, err := saturation(f, s.wetPoint, s.dryPoint)
		if err != nil {
			return nil, err
		}
		out[i] = sat
	}
	return out, nil
}

// History returns a copy of the raw readings, most recent first.
func (s *Sensor) History() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.history...)
}

// Active reports whether the sensor is producing a plausible signal.
func (s *Sensor) Active() bool {
	return s.ActiveAt(s.now())
}

func (s *Sensor) ActiveAt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastPulse) < livenessWindow && s.reading > 0 && s.reading < maxActiveFrequency
}

// SetWetPoint sets the watered state of the soil in pulses/sec and returns
// the resulting calibration. Leave ~5 mins after watering for the moisture
// to permeate.
func (s *Sensor) SetWetPoint(v float64) (wet, dry float64, err error) {
	if err := ValidatePoint(v); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wetPoint = v
	return s.wetPoint, s.dryPoint, nil
}

// SetDryPoint sets the dry state of the soil in pulses/sec and returns the
// resulting calibration.
func (s *Sensor) SetDryPoint(v float64) (wet, dry float64, err error) {
	if err := ValidatePoint(v); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dryPoint = v
	return s.wetPoint, s.dryPoint, nil
}

// CaptureWetPoint uses the latest reading as the wet point.
func (s *Sensor) CaptureWetPoint() (wet, dry float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wetPoint = s.reading
	return s.wetPoint, s.dryPoint
}

// CaptureDryPoint uses the latest reading as the dry point.
func (s *Sensor) CaptureDryPoint() (wet, dry float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dryPoint = s.reading
	return s.wetPoint, s.dryPoint
}

// ValidatePoint reports whether v can serve as a wet or dry point.
func ValidatePoint(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return errors.Wrapf(ErrInvalidCalibration, "got %v", v)
	}
	return nil
}

func (s *Sensor) Calibration() (wet, dry float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wetPoint, s.dryPoint
}

// Range is wet point minus dry point.
func (s *Sensor) Range() float64 {
	wet, dry := s.Calibration()
	return wet - dry
}

// Reading is a consistent view of a channel at one instant.
type Reading struct {
	Channel           int       `json:"channel"`
	Pin               int       `json:"pin"`
	Frequency         float64   `json:"pulses_per_second"`
	Saturation        float64   `json:"saturation"`
	Calibrated        bool      `json:"calibrated"`
	Active            bool      `json:"active"`
	NewData           bool      `json:"new_data"`
	WetPoint          float64   `json:"wet_point"`
	DryPoint          float64   `json:"dry_point"`
	HistorySaturation []float64 `json:"history_saturation,omitempty"`
}

// Snapshot reads the channel like Moisture does, clearing the new data flag.
// Saturation is zero and Calibrated false when the calibration is undefined.
func (s *Sensor) Snapshot(withHistory bool) Reading {
	return s.snapshot(withHistory, true)
}

// Peek is Snapshot without clearing the new data flag.
func (s *Sensor) Peek(withHistory bool) Reading {
	return s.snapshot(withHistory, false)
}

func (s *Sensor) snapshot(withHistory, consume bool) Reading {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := Reading{
		Channel:   s.channel,
		Pin:       Pins[s.channel-1],
		Frequency: s.reading,
		Active:    now.Sub(s.lastPulse) < livenessWindow && s.reading > 0 && s.reading < maxActiveFrequency,
		NewData:   s.newData,
		WetPoint:  s.wetPoint,
		DryPoint:  s.dryPoint,
	}
	if consume {
		s.newData = false
	}

	if sat, err := saturation(s.reading, s.wetPoint, s.dryPoint); err == nil {
		r.Saturation = sat
		r.Calibrated = true
	}
	if withHistory && r.Calibrated {
		r.HistorySaturation = make([]float64, len(s.history))
		for i, f := range s.history {
			r.HistorySaturation[i], _ = saturation(f, s.wetPoint, s.dryPoint)
		}
	}
	return r
}

func saturation(f, wet, dry float64) (float64, error) {
	rng := wet - dry
	if rng == 0 || !finite(rng) || !finite(f) {
		return 0, ErrCalibrationUndefined
	}
	sat := (f - dry) / rng
	sat = math.Round(sat*1000) / 1000
	return math.Max(0, math.Min(1, sat)), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
