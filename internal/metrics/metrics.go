package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts simulation passes over the fleet.
	// result: ok / failed
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_telemetry_ticks_total",
			Help: "Total number of simulation ticks.",
		},
		[]string{"result"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_telemetry_tick_duration_seconds",
			Help:    "Wall time of one simulation tick over the whole fleet.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SamplesTotal counts persisted samples by maintenance tier.
	SamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_telemetry_samples_total",
			Help: "Total number of telemetry samples produced.",
		},
		[]string{"tier"},
	)

	// VehicleSkipsTotal counts vehicles skipped for a tick.
	// reason: store_unavailable / vehicle_not_found / invalid_snapshot / stale_tick / cancelled / other
	VehicleSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_telemetry_vehicle_skips_total",
			Help: "Total number of vehicles skipped during a tick.",
		},
		[]string{"reason"},
	)

	SnapshotFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_telemetry_snapshot_update_failures_total",
			Help: "Samples persisted whose registry snapshot update failed.",
		},
	)

	// DistributorDropsTotal counts samples dropped on full subscriber buffers.
	// topic: fleet / vehicle
	DistributorDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_telemetry_distributor_drops_total",
			Help: "Samples dropped because a subscriber buffer was full.",
		},
		[]string{"topic"},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_telemetry_subscribers",
			Help: "Live subscriptions across all topics.",
		},
	)

	// BridgeErrorsTotal counts failed forwards to external brokers.
	// bridge: mqtt / redis
	BridgeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_telemetry_bridge_errors_total",
			Help: "Samples that could not be forwarded to an external broker.",
		},
		[]string{"bridge"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		SamplesTotal,
		VehicleSkipsTotal,
		SnapshotFailuresTotal,
		DistributorDropsTotal,
		Subscribers,
		BridgeErrorsTotal,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
