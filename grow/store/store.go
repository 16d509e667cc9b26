// Package store persists growmon reports, moisture calibration and gas
// baselines in sqlite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow/airquality"
	"github.com/alepar/growmon/grow/monitor"
)

//go:embed sql/schema.sql
var schema string

type Store struct {
	db      *sql.DB
	station string
}

// Calibration is the persisted wet and dry point of one moisture channel.
type Calibration struct {
	Channel   int
	WetPoint  float64
	DryPoint  float64
	UpdatedAt time.Time
}

// Reading is a stored report row.
type Reading struct {
	ID          int64
	RunID       string
	Station     string
	Time        time.Time
	Temperature float64
	Pressure    float64
	Humidity    float64
	Gas         float64
	HeatStable  bool
	State       string
	AQI         sql.NullFloat64
	CO2         sql.NullFloat64
	TVOC        sql.NullFloat64
	Moisture    []MoistureReading
}

type MoistureReading struct {
	Channel    int
	Frequency  float64
	Saturation sql.NullFloat64
	Active     bool
}

// Open opens, or creates, the database at path and migrates it. The store
// reads and writes rows of station only.
func Open(ctx context.Context, path, station string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(NewLoggingConnector(dsn, log.WithField("component", "store")))
	// sqlite serializes writers, and every :memory: connection is its own database
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	s := &Store{db: db, station: station}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(path string) (string, error) {
	params := "_foreign_keys=on&_busy_timeout=5000"
	if path == ":memory:" {
		return path + "?" + params, nil
	}

	params += "&_journal_mode=WAL"
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + params, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "failed to create %s", dir)
		}
	}
	return "file:" + path + "?" + params, nil
}

// Migrate creates missing tables. The connection prepares one statement at
// a time, so the schema is run statement by statement.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate schema")
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Report stores a report and its moisture readings in one transaction.
func (s *Store) Report(ctx context.Context, r monitor.Report) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var aqi, co2, tvoc sql.NullFloat64
	if aq := r.AirQuality; aq != nil {
		aqi = sql.NullFloat64{Float64: aq.AQI, Valid: true}
		co2 = sql.NullFloat64{Float64: aq.CO2, Valid: true}
		tvoc = sql.NullFloat64{Float64: aq.TVOC, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO readings
		(run_id, station, taken_at, temperature_c, pressure_hpa, humidity_pct, gas_ohms, heat_stable, state, aqi, co2_ppm, tvoc_ppb)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID.String(), s.station, r.Time.UnixNano(),
		r.Env.Temperature, r.Env.Pressure, r.Env.Humidity, r.Env.GasResistance, r.Env.HeatStable,
		r.State.String(), aqi, co2, tvoc,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert reading")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get reading id")
	}

	for _, m := range r.Moisture {
		sat := sql.NullFloat64{Float64: m.Saturation, Valid: m.Calibrated}
		if _, err = tx.ExecContext(ctx, `INSERT INTO moisture_readings
			(reading_id, channel, frequency, saturation, active) VALUES (?, ?, ?, ?, ?)`,
			id, m.Channel, m.Frequency, sat, m.Active,
		); err != nil {
			return errors.Wrapf(err, "failed to insert moisture reading for channel %d", m.Channel)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit reading")
}

// LatestReadings returns up to limit reports, newest first.
func (s *Store) LatestReadings(ctx context.Context, limit int) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, run_id, station, taken_at, temperature_c, pressure_hpa, humidity_pct, gas_ohms, heat_stable, state, aqi, co2_ppm, tvoc_ppb
		FROM readings WHERE station = ? ORDER BY taken_at DESC, id DESC LIMIT ?`, s.station, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query readings")
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		var takenAt int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Station, &takenAt, &r.Temperature, &r.Pressure, &r.Humidity,
			&r.Gas, &r.HeatStable, &r.State, &r.AQI, &r.CO2, &r.TVOC); err != nil {
			return nil, errors.Wrap(err, "failed to scan reading")
		}
		r.Time = time.Unix(0, takenAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read readings")
	}
	rows.Close()

	for i := range out {
		if out[i].Moisture, err = s.moistureFor(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) moistureFor(ctx context.Context, readingID int64) ([]MoistureReading, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel, frequency, saturation, active
		FROM moisture_readings WHERE reading_id = ? ORDER BY channel`, readingID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query moisture readings")
	}
	defer rows.Close()

	var out []MoistureReading
	for rows.Next() {
		var m MoistureReading
		if err := rows.Scan(&m.Channel, &m.Frequency, &m.Saturation, &m.Active); err != nil {
			return nil, errors.Wrap(err, "failed to scan moisture reading")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "failed to read moisture readings")
}

func (s *Store) SaveCalibration(ctx context.Context, channel int, wet, dry float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO calibration (station, channel, wet_point, dry_point, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (station, channel) DO UPDATE SET
			wet_point = excluded.wet_point, dry_point = excluded.dry_point, updated_at = excluded.updated_at`,
		s.station, channel, wet, dry, time.Now().UnixNano())
	return errors.Wrapf(err, "failed to save calibration of channel %d", channel)
}

// LoadCalibration returns the stored calibration keyed by channel.
func (s *Store) LoadCalibration(ctx context.Context) (map[int]Calibration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel, wet_point, dry_point, updated_at
		FROM calibration WHERE station = ?`, s.station)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query calibration")
	}
	defer rows.Close()

	out := map[int]Calibration{}
	for rows.Next() {
		var c Calibration
		var updatedAt int64
		if err := rows.Scan(&c.Channel, &c.WetPoint, &c.DryPoint, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan calibration")
		}
		c.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out[c.Channel] = c
	}
	return out, errors.Wrap(rows.Err(), "failed to read calibration")
}

func (s *Store) SaveBaseline(ctx context.Context, b airquality.Baseline) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO baselines (station, gas_ohms, humidity_pct, humidity_weighting, computed_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.station, b.Gas, b.Humidity, b.HumidityWeighting, b.ComputedAt.UnixNano())
	return errors.Wrap(err, "failed to save gas baseline")
}

// LatestBaseline returns the most recently computed baseline, ok is false
// when none was stored.
func (s *Store) LatestBaseline(ctx context.Context) (b airquality.Baseline, ok bool, err error) {
	var computedAt int64
	err = s.db.QueryRowContext(ctx, `SELECT gas_ohms, humidity_pct, humidity_weighting, computed_at
		FROM baselines WHERE station = ? ORDER BY computed_at DESC, id DESC LIMIT 1`, s.station,
	).Scan(&b.Gas, &b.Humidity, &b.HumidityWeighting, &computedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return airquality.Baseline{}, false, nil
	case err != nil:
		return airquality.Baseline{}, false, errors.Wrap(err, "failed to query gas baseline")
	}
	b.ComputedAt = time.Unix(0, computedAt).UTC()
	return b, true, nil
}
