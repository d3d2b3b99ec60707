// Package bridge forwards the fleet telemetry stream to external brokers.
package bridge

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/distributor"
	"github.com/ukydev/fleet-telemetry/internal/metrics"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

// Forwarder pushes one sample to an external system.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, sample models.TelemetrySample) error
}

// Run subscribes the forwarder to the fleet topic and forwards samples
// until ctx is cancelled. A failed forward is logged and counted; the
// sample is not retried.
func Run(ctx context.Context, d *distributor.Distributor, f Forwarder, logger log.FieldLogger) error {
	sub := d.Subscribe(distributor.FleetTopic)
	defer d.Unsubscribe(sub)

	logger = logger.WithField("bridge", f.Name())
	logger.Info("Bridge started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Bridge stopped")
			return nil
		case sample, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := f.Forward(ctx, sample); err != nil {
				metrics.BridgeErrorsTotal.WithLabelValues(f.Name()).Inc()
				logger.WithError(err).WithField("vehicle_id", sample.VehicleID).Warn("Failed to forward telemetry")
			}
		}
	}
}
