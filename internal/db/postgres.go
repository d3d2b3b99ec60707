package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

// PostgresTelemetryStore keeps telemetry samples in a PostgreSQL (or
// TimescaleDB) table.
type PostgresTelemetryStore struct {
	pool *pgxpool.Pool
}

var _ TelemetryStore = (*PostgresTelemetryStore)(nil)

const telemetrySchema = `
CREATE TABLE IF NOT EXISTS vehicle_telemetry (
	id                 BIGSERIAL PRIMARY KEY,
	vehicle_id         TEXT             NOT NULL,
	timestamp          TIMESTAMPTZ      NOT NULL,
	speed              DOUBLE PRECISION NOT NULL,
	fuel_level         DOUBLE PRECISION NOT NULL,
	battery_level      DOUBLE PRECISION NOT NULL,
	mileage            DOUBLE PRECISION NOT NULL,
	latitude           DOUBLE PRECISION NOT NULL,
	longitude          DOUBLE PRECISION NOT NULL,
	engine_temperature DOUBLE PRECISION NOT NULL,
	tire_pressure      DOUBLE PRECISION NOT NULL,
	maintenance_tier   TEXT             NOT NULL,
	alert_message      TEXT
);
CREATE INDEX IF NOT EXISTS vehicle_telemetry_vehicle_ts_idx ON vehicle_telemetry (vehicle_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS vehicle_telemetry_ts_idx ON vehicle_telemetry (timestamp DESC);
`

const sampleColumns = `vehicle_id, timestamp, speed, fuel_level, battery_level, mileage,
	latitude, longitude, engine_temperature, tire_pressure, maintenance_tier, COALESCE(alert_message, '')`

// NewPostgresTelemetryStore opens a connection pool and verifies it.
func NewPostgresTelemetryStore(ctx context.Context, connStr string) (*PostgresTelemetryStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresTelemetryStore{pool: pool}, nil
}

func (s *PostgresTelemetryStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the telemetry table and its indexes if missing.
func (s *PostgresTelemetryStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, telemetrySchema); err != nil {
		return unavailable("create telemetry schema", err)
	}
	return nil
}

func (s *PostgresTelemetryStore) Save(ctx context.Context, m models.TelemetrySample) error {
	var alert *string
	if m.AlertMessage != "" {
		alert = &m.AlertMessage
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vehicle_telemetry
			(vehicle_id, timestamp, speed, fuel_level, battery_level, mileage,
			 latitude, longitude, engine_temperature, tire_pressure, maintenance_tier, alert_message)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.VehicleID,
		m.Timestamp,
		m.Speed,
		m.FuelLevel,
		m.BatteryLevel,
		m.Mileage,
		m.Location.Lat,
		m.Location.Lon,
		m.EngineTemperature,
		m.TirePressure,
		string(m.MaintenanceTier),
		alert,
	)
	if err != nil {
		return unavailable("insert telemetry", err)
	}
	return nil
}

func (s *PostgresTelemetryStore) Latest(ctx context.Context, vehicleID string) (*models.TelemetrySample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sampleColumns+` FROM vehicle_telemetry WHERE vehicle_id = $1 ORDER BY timestamp DESC LIMIT 1`,
		vehicleID)
	if err != nil {
		return nil, unavailable("query latest telemetry", err)
	}
	sample, err := pgx.CollectOneRow(rows, scanSample)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("scan latest telemetry", err)
	}
	return &sample, nil
}

func (s *PostgresTelemetryStore) LatestForAllVehicles(ctx context.Context) ([]models.TelemetrySample, error) {
	return s.query(ctx,
		`SELECT DISTINCT ON (vehicle_id) `+sampleColumns+`
		 FROM vehicle_telemetry ORDER BY vehicle_id, timestamp DESC`)
}

func (s *PostgresTelemetryStore) Since(ctx context.Context, t time.Time) ([]models.TelemetrySample, error) {
	return s.query(ctx,
		`SELECT `+sampleColumns+` FROM vehicle_telemetry WHERE timestamp >= $1 ORDER BY timestamp DESC`, t)
}

func (s *PostgresTelemetryStore) History(ctx context.Context, vehicleID string) ([]models.TelemetrySample, error) {
	return s.query(ctx,
		`SELECT `+sampleColumns+` FROM vehicle_telemetry WHERE vehicle_id = $1 ORDER BY timestamp DESC`, vehicleID)
}

func (s *PostgresTelemetryStore) HistorySince(ctx context.Context, vehicleID string, t time.Time) ([]models.TelemetrySample, error) {
	return s.query(ctx,
		`SELECT `+sampleColumns+` FROM vehicle_telemetry
		 WHERE vehicle_id = $1 AND timestamp >= $2 ORDER BY timestamp ASC`, vehicleID, t)
}

func (s *PostgresTelemetryStore) CountByTier(ctx context.Context, tier models.MaintenanceTier) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM vehicle_telemetry WHERE maintenance_tier = $1`, string(tier)).Scan(&n)
	if err != nil {
		return 0, unavailable("count telemetry by tier", err)
	}
	return n, nil
}

func (s *PostgresTelemetryStore) query(ctx context.Context, sql string, args ...any) ([]models.TelemetrySample, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable("query telemetry", err)
	}
	samples, err := pgx.CollectRows(rows, scanSample)
	if err != nil {
		return nil, unavailable("scan telemetry", err)
	}
	if samples == nil {
		samples = []models.TelemetrySample{}
	}
	return samples, nil
}

func scanSample(row pgx.CollectableRow) (models.TelemetrySample, error) {
	var (
		m    models.TelemetrySample
		tier string
	)
	err := row.Scan(
		&m.VehicleID,
		&m.Timestamp,
		&m.Speed,
		&m.FuelLevel,
		&m.BatteryLevel,
		&m.Mileage,
		&m.Location.Lat,
		&m.Location.Lon,
		&m.EngineTemperature,
		&m.TirePressure,
		&tier,
		&m.AlertMessage,
	)
	m.MaintenanceTier = models.MaintenanceTier(tier)
	return m, err
}
