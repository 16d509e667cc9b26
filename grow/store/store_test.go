package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/alepar/growmon/grow"
	"github.com/alepar/growmon/grow/airquality"
	"github.com/alepar/growmon/grow/monitor"
	"github.com/alepar/growmon/grow/moisture"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, station string) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", station)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func report(at time.Time, aq *airquality.Sample) monitor.Report {
	r := monitor.Report{
		RunID:   uuid.New(),
		Time:    at,
		Station: "kitchen",
		Env:     grow.EnvValues{Time: at, Temperature: 21, Pressure: 1010, Humidity: 45, GasResistance: 90_000, HeatStable: true},
		State:   airquality.BurningIn,
		Moisture: []moisture.Reading{
			{Channel: 1, Frequency: 12.5, Saturation: 0.55, Calibrated: true, Active: true},
			{Channel: 3, Frequency: 30},
		},
	}
	if aq != nil {
		r.State = airquality.Scoring
		r.AirQuality = aq
	}
	return r
}

func TestReportAndLatestReadings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "kitchen")

	if err := s.Report(ctx, report(t0, nil)); err != nil {
		t.Fatalf("report: %v", err)
	}
	if err := s.Report(ctx, report(t0.Add(5*time.Second), &airquality.Sample{AQI: 87, CO2: 765.4, TVOC: 935.7})); err != nil {
		t.Fatalf("report: %v", err)
	}

	readings, err := s.LatestReadings(ctx, 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}

	newest := readings[0]
	if !newest.Time.Equal(t0.Add(5*time.Second)) || newest.State != "scoring" {
		t.Fatalf("expected the newest reading first, got %+v", newest)
	}
	if !newest.AQI.Valid || newest.AQI.Float64 != 87 || newest.CO2.Float64 != 765.4 {
		t.Fatalf("unexpected estimates %+v", newest)
	}
	if readings[1].AQI.Valid {
		t.Fatalf("burn-in readings have no AQI: %+v", readings[1])
	}
	if !newest.HeatStable || newest.Humidity != 45 {
		t.Fatalf("unexpected env values %+v", newest)
	}

	m := newest.Moisture
	if len(m) != 2 || m[0].Channel != 1 || m[1].Channel != 3 {
		t.Fatalf("unexpected moisture rows %+v", m)
	}
	if !m[0].Saturation.Valid || m[0].Saturation.Float64 != 0.55 || !m[0].Active {
		t.Fatalf("unexpected calibrated row %+v", m[0])
	}
	if m[1].Saturation.Valid || m[1].Active {
		t.Fatalf("expected an undefined saturation for channel 3, got %+v", m[1])
	}

	if limited, err := s.LatestReadings(ctx, 1); err != nil || len(limited) != 1 {
		t.Fatalf("expected the limit to apply, got %d (%v)", len(limited), err)
	}
}

func TestCalibrationUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "kitchen")

	if c, err := s.LoadCalibration(ctx); err != nil || len(c) != 0 {
		t.Fatalf("expected no calibration, got %v (%v)", c, err)
	}
	if err := s.SaveCalibration(ctx, 1, 0.7, 27.6); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveCalibration(ctx, 1, 1.2, 25.0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveCalibration(ctx, 2, 0.9, 26.0); err != nil {
		t.Fatalf("save: %v", err)
	}

	c, err := s.LoadCalibration(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c) != 2 || c[1].WetPoint != 1.2 || c[1].DryPoint != 25.0 || c[2].WetPoint != 0.9 {
		t.Fatalf("unexpected calibration %+v", c)
	}
}

func TestBaselines(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "kitchen")

	if _, ok, err := s.LatestBaseline(ctx); ok || err != nil {
		t.Fatalf("expected no baseline, got ok=%v err=%v", ok, err)
	}

	older := airquality.Baseline{Gas: 120_000, Humidity: 40, HumidityWeighting: 0.25, ComputedAt: t0}
	newer := airquality.Baseline{Gas: 135_000, Humidity: 40, HumidityWeighting: 0.25, ComputedAt: t0.Add(time.Hour)}
	for _, b := range []airquality.Baseline{newer, older} {
		if err := s.SaveBaseline(ctx, b); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	b, ok, err := s.LatestBaseline(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a baseline, got ok=%v err=%v", ok, err)
	}
	if b.Gas != newer.Gas || b.HumidityWeighting != newer.HumidityWeighting || !b.ComputedAt.Equal(newer.ComputedAt) {
		t.Fatalf("expected %+v, got %+v", newer, b)
	}
}

func TestStationsAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "growmon.db")

	kitchen, err := Open(ctx, path, "kitchen")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer kitchen.Close()
	if err := kitchen.SaveCalibration(ctx, 1, 0.7, 27.6); err != nil {
		t.Fatalf("save: %v", err)
	}

	shed, err := Open(ctx, path, "shed")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer shed.Close()
	if c, err := shed.LoadCalibration(ctx); err != nil || len(c) != 0 {
		t.Fatalf("expected no calibration for another station, got %v (%v)", c, err)
	}
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(":memory:")
	if err != nil || dsn != ":memory:?_foreign_keys=on&_busy_timeout=5000" {
		t.Fatalf("unexpected memory dsn %q (%v)", dsn, err)
	}
	dsn, err = buildDSN("file:growmon.db?cache=shared")
	if err != nil || dsn != "file:growmon.db?cache=shared&_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL" {
		t.Fatalf("unexpected file dsn %q (%v)", dsn, err)
	}
}

func TestLoggingConnectorLogsStatements(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	db := sql.OpenDB(NewLoggingConnector(":memory:", logger))
	db.SetMaxOpenConns(1)
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE t (id INTEGER, name TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	hook.Reset()

	if _, err := db.Exec(`INSERT INTO t (id, name) VALUES (?, ?)`, 1, "basil"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	e := hook.LastEntry()
	if e == nil || e.Message != "sql" || e.Data["op"] != "exec" || e.Data["sql"] != `INSERT INTO t (id, name) VALUES (?, ?)` {
		t.Fatalf("unexpected log entry %+v", e)
	}
	args, ok := e.Data["args"].([]string)
	if !ok || len(args) != 2 || args[0] != "1" || args[1] != "basil" {
		t.Fatalf("unexpected args %#v", e.Data["args"])
	}

	hook.Reset()
	var name string
	if err := db.QueryRow(`SELECT name FROM t WHERE id = ?`, 1).Scan(&name); err != nil || name != "basil" {
		t.Fatalf("query: %q (%v)", name, err)
	}
	if e := hook.LastEntry(); e == nil || e.Data["op"] != "query" {
		t.Fatalf("expected a query log entry, got %+v", e)
	}
}
