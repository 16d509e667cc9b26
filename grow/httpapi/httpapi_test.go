package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/alepar/growmon/grow/monitor"
	"github.com/alepar/growmon/grow/moisture"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type savedCalibration struct {
	channel  int
	wet, dry float64
}

type fakeSaver struct {
	saved []savedCalibration
	err   error
}

func (f *fakeSaver) SaveCalibration(_ context.Context, channel int, wet, dry float64) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, savedCalibration{channel, wet, dry})
	return nil
}

func newTestHandlers(t *testing.T) (*Handlers, *moisture.Sensor) {
	t.Helper()
	clock := moisture.WithClock(func() time.Time { return t0 })
	s1, err := moisture.New(1, clock)
	if err != nil {
		t.Fatalf("moisture: %s", err)
	}
	s3, err := moisture.New(3, clock)
	if err != nil {
		t.Fatalf("moisture: %s", err)
	}
	// 10 pulses over the first second: 10 Hz
	for i := 1; i < 10; i++ {
		s1.RecordPulse(t0.Add(time.Duration(i) * time.Millisecond))
	}
	s1.RecordPulse(t0.Add(time.Second))

	return &Handlers{Sensors: map[int]*moisture.Sensor{1: s1, 3: s3}}, s1
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthzAndAccessLog(t *testing.T) {
	h, _ := newTestHandlers(t)
	var accessLog bytes.Buffer
	router := NewRouter(h, prometheus.NewRegistry(), &accessLog)

	rec := do(t, router, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want=%d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected body %v (%v)", body, err)
	}
	if !strings.Contains(accessLog.String(), `"GET /healthz HTTP/1.1" 200`) {
		t.Fatalf("expected a combined log line, got %q", accessLog.String())
	}

	if rec := do(t, router, http.MethodPost, "/healthz"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /healthz, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandlers(t)
	reg := prometheus.NewRegistry()
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "air_temperature", Help: "Air Temperature"}, []string{"station"})
	reg.MustRegister(g)
	g.WithLabelValues("kitchen").Set(21.5)

	rec := do(t, NewRouter(h, reg, nil), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(rec.Body)
	if err != nil {
		t.Fatalf("parse metrics: %s", err)
	}
	mf, ok := families["air_temperature"]
	if !ok || len(mf.GetMetric()) != 1 {
		t.Fatalf("expected one air_temperature series, got %v", families)
	}
	m := mf.GetMetric()[0]
	if m.GetGauge().GetValue() != 21.5 || m.GetLabel()[0].GetValue() != "kitchen" {
		t.Fatalf("unexpected metric %v", m)
	}
}

func TestMoistureDoesNotConsumeNewData(t *testing.T) {
	h, s1 := newTestHandlers(t)
	router := NewRouter(h, prometheus.NewRegistry(), nil)

	rec := do(t, router, http.MethodGet, "/api/moisture")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var readings []moisture.Reading
	if err := json.NewDecoder(rec.Body).Decode(&readings); err != nil {
		t.Fatalf("decode: %s", err)
	}
	if len(readings) != 2 || readings[0].Channel != 1 || readings[1].Channel != 3 {
		t.Fatalf("expected channels 1 and 3 in order, got %+v", readings)
	}
	if readings[0].Frequency != 10 || !readings[0].NewData {
		t.Fatalf("unexpected channel 1 reading %+v", readings[0])
	}
	if !s1.NewData() {
		t.Fatalf("listing channels must not clear the new data flag")
	}

	rec = do(t, router, http.MethodGet, "/api/moisture/1")
	var one moisture.Reading
	if err := json.NewDecoder(rec.Body).Decode(&one); err != nil || len(one.HistorySaturation) != 1 {
		t.Fatalf("expected the channel with history, got %+v (%v)", one, err)
	}

	if rec := do(t, router, http.MethodGet, "/api/moisture/2"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a disabled channel, got %d", rec.Code)
	}
}

func TestCalibrate(t *testing.T) {
	h, s1 := newTestHandlers(t)
	saver := &fakeSaver{}
	h.Saver = saver
	router := NewRouter(h, prometheus.NewRegistry(), nil)

	// capture the current 10 Hz reading as the dry point
	rec := do(t, router, http.MethodPost, "/api/moisture/1/calibrate/dry")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	var resp calibrationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %s", err)
	}
	if resp.Value != 10 || resp.DryPoint != 10 || resp.WetPoint != moisture.DefaultWetPoint || !resp.Saved {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = do(t, router, http.MethodPost, "/api/moisture/1/calibrate/wet?value=1.5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	if wet, dry := s1.Calibration(); wet != 1.5 || dry != 10 {
		t.Fatalf("unexpected calibration %v/%v", wet, dry)
	}
	if len(saver.saved) != 2 || saver.saved[1] != (savedCalibration{1, 1.5, 10}) {
		t.Fatalf("unexpected saved calibration %+v", saver.saved)
	}

	for target, code := range map[string]int{
		"/api/moisture/1/calibrate/wet?value=soaked": http.StatusBadRequest,
		"/api/moisture/1/calibrate/wet?value=-1":     http.StatusBadRequest,
		"/api/moisture/4/calibrate/wet":              http.StatusNotFound,
		"/api/moisture/1/calibrate/damp":             http.StatusNotFound,
	} {
		if rec := do(t, router, http.MethodPost, target); rec.Code != code {
			t.Fatalf("%s: expected %d, got %d", target, code, rec.Code)
		}
	}

	saver.err = errors.New("database is locked")
	if rec := do(t, router, http.MethodPost, "/api/moisture/3/calibrate/wet?value=2"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when saving fails, got %d", rec.Code)
	}
}

func TestLatestReport(t *testing.T) {
	h, _ := newTestHandlers(t)
	router := NewRouter(h, prometheus.NewRegistry(), nil)
	if rec := do(t, router, http.MethodGet, "/api/report"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a report source, got %d", rec.Code)
	}

	var latest *monitor.Report
	h.Latest = func() (monitor.Report, bool) {
		if latest == nil {
			return monitor.Report{}, false
		}
		return *latest, true
	}
	if rec := do(t, router, http.MethodGet, "/api/report"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the first report, got %d", rec.Code)
	}

	latest = &monitor.Report{Station: "kitchen", Time: t0}
	rec := do(t, router, http.MethodGet, "/api/report")
	var r monitor.Report
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil || r.Station != "kitchen" {
		t.Fatalf("unexpected report %+v (%v)", r, err)
	}
}

func TestCalibrateRejectsNonFiniteValues(t *testing.T) {
	h, s1 := newTestHandlers(t)
	saver := &fakeSaver{}
	h.Saver = saver
	router := NewRouter(h, prometheus.NewRegistry(), nil)

	for _, value := range []string{"NaN", "nan", "Inf", "+Inf", "-Inf", "1e400"} {
		for _, point := range []string{"wet", "dry"} {
			target := "/api/moisture/1/calibrate/" + point + "?value=" + value
			if rec := do(t, router, http.MethodPost, target); rec.Code != http.StatusBadRequest {
				t.Fatalf("%s: expected 400, got %d", target, rec.Code)
			}
		}
	}
	if wet, dry := s1.Calibration(); wet != moisture.DefaultWetPoint || dry != moisture.DefaultDryPoint {
		t.Fatalf("calibration changed to %v/%v", wet, dry)
	}
	if len(saver.saved) != 0 {
		t.Fatalf("nothing should be saved, got %+v", saver.saved)
	}

	for _, target := range []string{"/api/moisture", "/api/moisture/1"} {
		rec := do(t, router, http.MethodGet, target)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", target, rec.Code)
		}
		if !json.Valid(rec.Body.Bytes()) {
			t.Fatalf("%s: invalid json %s", target, rec.Body)
		}
	}
}
