// Package airquality turns gas resistance and humidity readings into a
// rough air quality score, and the score into CO2 and TVOC estimates.
//
// None of the figures are calibrated measurements. The AQI here is a 1-500
// proxy, not the EPA index.
package airquality

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/alepar/growmon/grow"
)

const (
	// HumidityBaseline is the ideal indoor relative humidity.
	HumidityBaseline = 40.0

	// HumidityWeighting balances humidity against gas in the score:
	// 25% humidity, 75% gas.
	HumidityWeighting = 0.25

	// BaselineSamples is how many of the last burn-in samples are averaged.
	BaselineSamples = 50

	DefaultBurnIn = 5 * time.Minute
)

var ErrInsufficientBurnIn = errors.New("airquality: not enough burn-in samples for a gas baseline")

type State int

const (
	BurningIn State = iota
	Scoring
)

func (s State) String() string {
	switch s {
	case BurningIn:
		return "burning-in"
	case Scoring:
		return "scoring"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "burning-in":
		*s = BurningIn
	case "scoring":
		*s = Scoring
	default:
		return errors.Errorf("unknown estimator state %q", b)
	}
	return nil
}

// Formula selects how an AQI is derived from a sample.
type Formula int

const (
	// Composite uses the burn-in baseline score directly as the AQI.
	Composite Formula = iota
	// ClosedForm maps gas resistance straight to an AQI, no baseline needed.
	ClosedForm
)

func (f Formula) String() string {
	switch f {
	case Composite:
		return "composite"
	case ClosedForm:
		return "closed-form"
	default:
		return fmt.Sprintf("Formula(%d)", int(f))
	}
}

func (f Formula) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Formula) UnmarshalText(b []byte) error {
	parsed, err := ParseFormula(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

func ParseFormula(s string) (Formula, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "composite", "":
		return Composite, nil
	case "closed-form", "closedform":
		return ClosedForm, nil
	default:
		return 0, errors.Errorf("unknown AQI formula %q (allowed: composite, closed-form)", s)
	}
}

type Baseline struct {
	// units: Ohms
	Gas float64 `json:"gas_ohms"`
	// units: % of relative Humidity
	Humidity          float64   `json:"humidity_pct"`
	HumidityWeighting float64   `json:"humidity_weighting"`
	ComputedAt        time.Time `json:"computed_at"`
}

type Sample struct {
	Time    time.Time `json:"timestamp"`
	Formula Formula   `json:"formula"`

	// units: Ohms
	GasResistance float64 `json:"gas_resistance_ohms"`
	// units: % of relative Humidity
	Humidity float64 `json:"humidity_pct"`

	// composite score parts; zero with ClosedForm
	HumidityScore float64 `json:"humidity_score"`
	GasScore      float64 `json:"gas_score"`
	Score         float64 `json:"score"`

	AQI float64 `json:"aqi"`
	// units: ppm
	CO2 float64 `json:"estimated_co2_ppm"`
	// units: ppb
	TVOC float64 `json:"estimated_tvoc_ppb"`
}

// Estimator collects burn-in samples until the baseline is fixed, then
// scores every heat-stable sample. It is not safe for concurrent use.
type Estimator struct {
	formula Formula
	start   time.Time
	burnIn  time.Duration

	state     State
	samples   []float64 // last BaselineSamples gas readings
	collected int
	baseline  Baseline
}

func NewEstimator(start time.Time, burnIn time.Duration, formula Formula) *Estimator {
	e := &Estimator{
		formula: formula,
		start:   start,
		burnIn:  burnIn,
		state:   BurningIn,
	}
	if formula == ClosedForm {
		e.state = Scoring
	}
	return e
}

func (e *Estimator) State() State {
	return e.state
}

func (e *Estimator) Formula() Formula {
	return e.formula
}

// BurnInProgress returns how long burn-in has run at t and how many samples
// were collected.
func (e *Estimator) BurnInProgress(t time.Time) (time.Duration, int) {
	return t.Sub(e.start), e.collected
}

func (e *Estimator) BurnIn() time.Duration {
	return e.burnIn
}

// Baseline returns the fixed baseline, ok is false while burning in or with
// the closed form formula.
func (e *Estimator) Baseline() (Baseline, bool) {
	return e.baseline, e.formula == Composite && e.state == Scoring
}

// Restore fixes a previously computed baseline and skips burn-in.
func (e *Estimator) Restore(b Baseline) {
	e.baseline = b
	e.state = Scoring
	e.samples = nil
}

// Observe feeds one sample. ok is true when a score was emitted.
// While burning in past the burn-in window with fewer than BaselineSamples
// samples, the sample is kept and ErrInsufficientBurnIn returned.
func (e *Estimator) Observe(v grow.EnvValues) (s Sample, ok bool, err error) {
	if !v.HeatStable {
		return Sample{}, false, nil
	}

	if e.state == BurningIn {
		if v.Time.Sub(e.start) < e.burnIn {
			e.collect(v.GasResistance)
			return Sample{}, false, nil
		}
		if len(e.samples) < BaselineSamples {
			e.collect(v.GasResistance)
			return Sample{}, false, errors.Wrapf(ErrInsufficientBurnIn, "%d of %d samples after %s",
				e.collected, BaselineSamples, v.Time.Sub(e.start).Round(time.Second))
		}
		e.baseline = Baseline{
			Gas:               mean(e.samples),
			Humidity:          HumidityBaseline,
			HumidityWeighting: HumidityWeighting,
			ComputedAt:        v.Time,
		}
		e.samples = nil
		e.state = Scoring
	}

	return e.score(v), true, nil
}

func (e *Estimator) collect(gas float64) {
	e.collected++
	if len(e.samples) == BaselineSamples {
		copy(e.samples, e.samples[1:])
		e.samples = e.samples[:BaselineSamples-1]
	}
	e.samples = append(e.samples, gas)
}

func (e *Estimator) score(v grow.EnvValues) Sample {
	s := Sample{
		Time:          v.Time,
		Formula:       e.formula,
		GasResistance: v.GasResistance,
		Humidity:      v.Humidity,
		TVOC:          GasResistanceToTVOC(v.GasResistance),
	}
	switch e.formula {
	case ClosedForm:
		s.AQI = GasResistanceToAQI(v.GasResistance)
	default:
		s.HumidityScore, s.GasScore = CompositeScore(e.baseline, v.Humidity, v.GasResistance)
		s.Score = s.HumidityScore + s.GasScore
		s.AQI = s.Score
	}
	s.CO2 = AQIToCO2(s.AQI)
	return s
}

// CompositeScore weighs how far humidity is from the baseline humidity and
// how far gas resistance dropped below the baseline gas resistance.
// The two parts sum to at most 100.
func CompositeScore(b Baseline, humidity, gas float64) (humScore, gasScore float64) {
	weight := b.HumidityWeighting * 100

	humOffset := humidity - b.Humidity
	if humOffset > 0 {
		humScore = (100 - b.Humidity - humOffset) / (100 - b.Humidity) * weight
	} else {
		humScore = (b.Humidity + humOffset) / b.Humidity * weight
	}

	gasOffset := b.Gas - gas
	if gasOffset > 0 {
		gasScore = (gas / b.Gas) * (100 - weight)
	} else {
		gasScore = 100 - weight
	}
	return humScore, gasScore
}

func mean(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
