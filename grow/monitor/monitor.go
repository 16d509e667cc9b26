// Package monitor runs the growmon polling loop: it samples the environmental
// sensor, scores air quality, reads the moisture channels and hands the
// combined report to every reporter.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow"
	"github.com/alepar/growmon/grow/airquality"
	"github.com/alepar/growmon/grow/moisture"
)

const (
	DefaultSampleInterval = time.Second
	DefaultReportInterval = 5 * time.Second
)

type Report struct {
	RunID   uuid.UUID `json:"run_id"`
	Time    time.Time `json:"timestamp"`
	Station string    `json:"station"`

	Env grow.EnvValues `json:"env"`

	State         airquality.State   `json:"state"`
	BurnInElapsed time.Duration      `json:"burn_in_elapsed"`
	BurnInSamples int                `json:"burn_in_samples"`
	AirQuality    *airquality.Sample `json:"air_quality,omitempty"`

	Moisture []moisture.Reading `json:"moisture"`
}

type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(ctx context.Context, r Report) error

func (f ReporterFunc) Report(ctx context.Context, r Report) error {
	return f(ctx, r)
}

type Monitor struct {
	Station   string
	Source    grow.EnvSource
	EnvConfig grow.EnvConfig
	Estimator *airquality.Estimator
	Sensors   []*moisture.Sensor
	Reporters []Reporter

	SampleInterval time.Duration
	ReportInterval time.Duration

	// BaselineHook is called once when the estimator fixes its baseline.
	BaselineHook func(airquality.Baseline)

	runID uuid.UUID
	now   func() time.Time

	mu     sync.Mutex
	latest *Report
}

func New(station string, source grow.EnvSource, estimator *airquality.Estimator) *Monitor {
	return &Monitor{
		Station:        station,
		Source:         source,
		EnvConfig:      grow.DefaultEnvConfig,
		Estimator:      estimator,
		SampleInterval: DefaultSampleInterval,
		ReportInterval: DefaultReportInterval,
		runID:          uuid.New(),
		now:            time.Now,
	}
}

func (m *Monitor) RunID() uuid.UUID {
	return m.runID
}

// Run configures the source and polls until ctx is done. Cancellation is a
// clean exit and returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Source.Configure(m.EnvConfig); err != nil {
		return errors.Wrap(err, "failed to configure sensor")
	}

	logger := log.WithFields(log.Fields{"station": m.Station, "run_id": m.runID})
	logger.Infof("monitoring: sampling every %s, reporting every %s", m.SampleInterval, m.ReportInterval)

	sampleTicker := time.NewTicker(m.SampleInterval)
	defer sampleTicker.Stop()
	reportTicker := time.NewTicker(m.ReportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Exiting...")
			return nil
		case <-sampleTicker.C:
			if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				if errors.Is(err, airquality.ErrInsufficientBurnIn) {
					logger.Warn(err)
				} else {
					logger.Errorf("failed to poll: %s", err)
				}
			}
		case <-reportTicker.C:
			m.Publish(ctx)
		}
	}
}

// Poll takes one sample and stores the combined report as the latest.
// A report is still produced when the estimator needs more burn-in samples,
// in which case the returned error wraps airquality.ErrInsufficientBurnIn.
func (m *Monitor) Poll(ctx context.Context) (Report, error) {
	env, err := m.Source.Sample(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "failed to sample")
	}

	wasScoring := m.Estimator.State() == airquality.Scoring
	sample, scored, obsErr := m.Estimator.Observe(env)
	if !wasScoring && m.Estimator.State() == airquality.Scoring {
		if b, ok := m.Estimator.Baseline(); ok {
			log.WithField("station", m.Station).Infof("gas baseline fixed at %.0f Ohms", b.Gas)
			if m.BaselineHook != nil {
				m.BaselineHook(b)
			}
		}
	}

	t := env.Time
	if t.IsZero() {
		t = m.now()
	}
	elapsed, collected := m.Estimator.BurnInProgress(t)
	r := Report{
		RunID:         m.runID,
		Time:          t,
		Station:       m.Station,
		Env:           env,
		State:         m.Estimator.State(),
		BurnInElapsed: elapsed,
		BurnInSamples: collected,
		Moisture:      make([]moisture.Reading, 0, len(m.Sensors)),
	}
	if scored {
		r.AirQuality = &sample
	}
	for _, s := range m.Sensors {
		r.Moisture = append(r.Moisture, s.Snapshot(false))
	}

	m.mu.Lock()
	m.latest = &r
	m.mu.Unlock()
	return r, obsErr
}

// Latest returns the most recent report, ok is false before the first poll.
func (m *Monitor) Latest() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Report{}, false
	}
	return *m.latest, true
}

// Publish hands the latest report to every reporter. Reporter errors are
// logged and do not stop the others.
func (m *Monitor) Publish(ctx context.Context) {
	r, ok := m.Latest()
	if !ok {
		return
	}
	for _, reporter := range m.Reporters {
		if err := reporter.Report(ctx, r); err != nil {
			log.WithField("station", m.Station).Errorf("failed to report (%T): %s", reporter, err)
		}
	}
}
