package airquality

import (
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/alepar/growmon/grow"
)

var start = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func stable(at time.Duration, humidity, gas float64) grow.EnvValues {
	return grow.EnvValues{
		Time:          start.Add(at),
		Humidity:      humidity,
		GasResistance: gas,
		HeatStable:    true,
	}
}

func TestGasResistanceToAQIBoundaries(t *testing.T) {
	if got := GasResistanceToAQI(MinGasResistance); got != 500 {
		t.Fatalf("expected 500 at 10 Ohms, got %v", got)
	}
	if got := GasResistanceToAQI(MaxGasResistance); got != 1 {
		t.Fatalf("expected 1 at 1.4 MOhms, got %v", got)
	}
	// clamped outside the empirical range
	if got := GasResistanceToAQI(0); got != 500 {
		t.Fatalf("expected 500 below range, got %v", got)
	}
	if got := GasResistanceToAQI(5_000_000); got != 1 {
		t.Fatalf("expected 1 above range, got %v", got)
	}
}

func TestGasResistanceToAQIMonotonic(t *testing.T) {
	prev := GasResistanceToAQI(MinGasResistance)
	for r := MinGasResistance; r <= MaxGasResistance; r += 997 {
		aqi := GasResistanceToAQI(r)
		if aqi > prev {
			t.Fatalf("AQI increased from %v to %v at %v Ohms", prev, aqi, r)
		}
		if aqi != math.Trunc(aqi) {
			t.Fatalf("expected a whole AQI, got %v", aqi)
		}
		prev = aqi
	}
}

func TestAQIToCO2(t *testing.T) {
	if got := AQIToCO2(0); got != 400 {
		t.Fatalf("expected 400 ppm at AQI 0, got %v", got)
	}
	if got := AQIToCO2(500); got != 2500 {
		t.Fatalf("expected 2500 ppm at AQI 500, got %v", got)
	}
	if got := AQIToCO2(1000); got != 4600 {
		t.Fatalf("expected linear extrapolation to 4600 ppm, got %v", got)
	}
}

func TestGasResistanceToTVOC(t *testing.T) {
	if got := GasResistanceToTVOC(MinGasResistance); got != 1000 {
		t.Fatalf("expected 1000 ppb at 10 Ohms, got %v", got)
	}
	if got := GasResistanceToTVOC(MaxGasResistance); got != 0 {
		t.Fatalf("expected 0 ppb at 1.4 MOhms, got %v", got)
	}
	if got := GasResistanceToTVOC(-3); got != 1000 {
		t.Fatalf("expected clamping below range, got %v", got)
	}
}

func TestCompositeScore(t *testing.T) {
	b := Baseline{Gas: 200_000, Humidity: HumidityBaseline, HumidityWeighting: HumidityWeighting}

	tests := []struct {
		name          string
		humidity, gas float64
		hum, gasScore float64
	}{
		{"at baseline", 40, 200_000, 25, 75},
		{"humid and polluted", 70, 100_000, 12.5, 37.5},
		{"dry and clean", 20, 400_000, 12.5, 75},
		{"bone dry", 0, 200_000, 0, 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hum, gas := CompositeScore(b, tt.humidity, tt.gas)
			if hum != tt.hum || gas != tt.gasScore {
				t.Fatalf("expected %v+%v, got %v+%v", tt.hum, tt.gasScore, hum, gas)
			}
		})
	}
}

func TestBaselineIsMeanOfLastFiftySamples(t *testing.T) {
	burnIn := 120 * time.Second
	run := func(early float64) Baseline {
		e := NewEstimator(start, burnIn, Composite)
		for i := 0; i < 120; i++ {
			gas := float64(i) * 1000
			if i < 70 {
				gas = early
			}
			if _, ok, err := e.Observe(stable(time.Duration(i)*time.Second, 45, gas)); ok || err != nil {
				t.Fatalf("sample %d: expected silent burn-in, got ok=%v err=%v", i, ok, err)
			}
		}
		if e.State() != BurningIn {
			t.Fatalf("expected burning in, got %s", e.State())
		}
		if _, ok := e.Baseline(); ok {
			t.Fatalf("baseline should not be available during burn-in")
		}
		if _, n := e.BurnInProgress(start); n != 120 {
			t.Fatalf("expected 120 collected samples, got %d", n)
		}

		s, ok, err := e.Observe(stable(burnIn, 40, 94_500))
		if err != nil || !ok {
			t.Fatalf("expected the first sample after burn-in to be scored, got ok=%v err=%v", ok, err)
		}
		if s.Score != 100 || s.AQI != 100 {
			t.Fatalf("expected score 100 at the baseline, got %+v", s)
		}
		b, ok := e.Baseline()
		if !ok || e.State() != Scoring {
			t.Fatalf("expected scoring with a baseline, got %s", e.State())
		}
		return b
	}

	a, b := run(1), run(999_999)
	if a.Gas != 94_500 {
		t.Fatalf("expected mean of samples 70-119 = 94500, got %v", a.Gas)
	}
	if a.Gas != b.Gas {
		t.Fatalf("baseline depends on early samples: %v vs %v", a.Gas, b.Gas)
	}
	if a.Humidity != HumidityBaseline || a.HumidityWeighting != HumidityWeighting {
		t.Fatalf("unexpected fixed baseline parts %+v", a)
	}
	if !a.ComputedAt.Equal(start.Add(burnIn)) {
		t.Fatalf("unexpected ComputedAt %v", a.ComputedAt)
	}
}

func TestInsufficientBurnInExtendsCollection(t *testing.T) {
	burnIn := 10 * time.Second
	e := NewEstimator(start, burnIn, Composite)
	for i := 0; i < 10; i++ {
		_, _, _ = e.Observe(stable(time.Duration(i)*time.Second, 40, 150_000))
	}

	for i := 10; i < 50; i++ {
		_, ok, err := e.Observe(stable(time.Duration(i)*time.Second, 40, 150_000))
		if ok || errors.Cause(err) != ErrInsufficientBurnIn {
			t.Fatalf("sample %d: expected ErrInsufficientBurnIn, got ok=%v err=%v", i, ok, err)
		}
		if e.State() != BurningIn {
			t.Fatalf("sample %d: expected to keep burning in", i)
		}
	}

	s, ok, err := e.Observe(stable(50*time.Second, 40, 150_000))
	if err != nil || !ok {
		t.Fatalf("expected a score once 50 samples exist, got ok=%v err=%v", ok, err)
	}
	if s.Score != 100 {
		t.Fatalf("expected score 100, got %v", s.Score)
	}
}

func TestUnstableSamplesAreIgnored(t *testing.T) {
	e := NewEstimator(start, 0, Composite)
	v := stable(time.Second, 40, 100)
	v.HeatStable = false
	for i := 0; i < 100; i++ {
		if _, ok, err := e.Observe(v); ok || err != nil {
			t.Fatalf("unstable sample should be ignored, got ok=%v err=%v", ok, err)
		}
	}
	if _, n := e.BurnInProgress(start); n != 0 {
		t.Fatalf("unstable samples were collected: %d", n)
	}
}

func TestScoringDerivedEstimates(t *testing.T) {
	e := NewEstimator(start, time.Minute, Composite)
	e.Restore(Baseline{Gas: 200_000, Humidity: HumidityBaseline, HumidityWeighting: HumidityWeighting})

	s, ok, err := e.Observe(stable(time.Second, 70, 100_000))
	if err != nil || !ok {
		t.Fatalf("expected a score after restore, got ok=%v err=%v", ok, err)
	}
	if s.HumidityScore != 12.5 || s.GasScore != 37.5 || s.AQI != 50 {
		t.Fatalf("unexpected score %+v", s)
	}
	if s.CO2 != AQIToCO2(50) {
		t.Fatalf("expected CO2 from the score, got %v", s.CO2)
	}
	if s.TVOC != GasResistanceToTVOC(100_000) {
		t.Fatalf("expected TVOC from gas resistance, got %v", s.TVOC)
	}
}

func TestClosedFormSkipsBurnIn(t *testing.T) {
	e := NewEstimator(start, time.Hour, ClosedForm)
	if e.State() != Scoring {
		t.Fatalf("closed form needs no burn-in, got %s", e.State())
	}

	s, ok, err := e.Observe(stable(time.Second, 55, MaxGasResistance))
	if err != nil || !ok {
		t.Fatalf("expected a closed form score, got ok=%v err=%v", ok, err)
	}
	if s.AQI != 1 || s.Score != 0 || s.Formula != ClosedForm {
		t.Fatalf("unexpected closed form sample %+v", s)
	}
	if _, ok := e.Baseline(); ok {
		t.Fatalf("closed form has no baseline")
	}
}

func TestParseFormula(t *testing.T) {
	for in, want := range map[string]Formula{
		"":            Composite,
		"composite":   Composite,
		"Closed-Form": ClosedForm,
		"closedform":  ClosedForm,
	} {
		got, err := ParseFormula(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormula(%q): expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := ParseFormula("epa"); err == nil {
		t.Fatalf("expected an error for an unknown formula")
	}
}
