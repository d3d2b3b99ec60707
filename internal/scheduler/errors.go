package scheduler

import (
	"context"
	"errors"

	"github.com/ukydev/fleet-telemetry/internal/db"
)

var (
	// ErrInvalidSnapshot marks a registry entry the engine cannot simulate.
	ErrInvalidSnapshot = errors.New("invalid vehicle snapshot")

	// errStaleTick is returned when a newer tick already produced a sample
	// for the vehicle.
	errStaleTick = errors.New("stale tick")
)

// Skip reasons, used as metric labels.
const (
	reasonStoreUnavailable = "store_unavailable"
	reasonNotFound         = "vehicle_not_found"
	reasonInvalidSnapshot  = "invalid_snapshot"
	reasonStaleTick        = "stale_tick"
	reasonCancelled        = "cancelled"
	reasonOther            = "other"
)

func skipReason(err error) string {
	switch {
	case errors.Is(err, errStaleTick):
		return reasonStaleTick
	case errors.Is(err, ErrInvalidSnapshot):
		return reasonInvalidSnapshot
	case errors.Is(err, db.ErrVehicleNotFound):
		return reasonNotFound
	case errors.Is(err, db.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return reasonStoreUnavailable
	case errors.Is(err, context.Canceled):
		return reasonCancelled
	default:
		return reasonOther
	}
}

// benign reasons are counted as skips, the rest as failures.
func isFailure(reason string) bool {
	return reason != reasonStaleTick && reason != reasonCancelled
}
