package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

var (
	// ErrStoreUnavailable marks transient storage failures; callers retry later.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrVehicleNotFound is returned when a registry entry no longer exists.
	ErrVehicleNotFound = errors.New("vehicle not found")
	// ErrVehicleExists is returned when inserting an already registered vehicle.
	ErrVehicleExists = errors.New("vehicle already registered")
)

// TelemetryStore persists telemetry samples and answers the queries the
// engine and the reporting API depend on.
type TelemetryStore interface {
	Save(ctx context.Context, sample models.TelemetrySample) error
	// Latest returns nil and no error when the vehicle has no samples yet.
	Latest(ctx context.Context, vehicleID string) (*models.TelemetrySample, error)
	// LatestForAllVehicles returns one sample per vehicle, the most recent one.
	LatestForAllVehicles(ctx context.Context) ([]models.TelemetrySample, error)
	// Since returns samples at or after t, newest first.
	Since(ctx context.Context, t time.Time) ([]models.TelemetrySample, error)
	// History returns every sample of a vehicle, newest first.
	History(ctx context.Context, vehicleID string) ([]models.TelemetrySample, error)
	// HistorySince returns a vehicle's samples at or after t, oldest first.
	HistorySince(ctx context.Context, vehicleID string, t time.Time) ([]models.TelemetrySample, error)
	CountByTier(ctx context.Context, tier models.MaintenanceTier) (int64, error)
}

// VehicleRegistry is the engine's view of the vehicle registry.
type VehicleRegistry interface {
	ListVehicles(ctx context.Context) ([]models.Vehicle, error)
	// UpdateSnapshot returns ErrVehicleNotFound when the vehicle is gone.
	UpdateSnapshot(ctx context.Context, vehicleID string, update models.SnapshotUpdate) error
	InsertVehicle(ctx context.Context, vehicle models.Vehicle) error
}

// unavailable wraps a driver error so callers can match ErrStoreUnavailable
// while keeping the cause (including context deadlines) inspectable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
