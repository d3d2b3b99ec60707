package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/metrics"
	"github.com/ukydev/fleet-telemetry/internal/models"
	"github.com/ukydev/fleet-telemetry/internal/simulation"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultWorkers      = 8
	DefaultStoreTimeout = 2 * time.Second

	// maxTickIntervals caps the simulated duration of one step, so a vehicle
	// resumed after an outage moves as if a few ticks had passed.
	maxTickIntervals = 3
)

// Publisher receives every sample the scheduler produces. Implementations
// must not block.
type Publisher interface {
	Publish(sample models.TelemetrySample)
}

type Options struct {
	// Interval between ticks; also the tick duration assumed for a vehicle's first sample.
	Interval time.Duration
	// Workers bounds the vehicles processed in parallel, across overlapping ticks.
	Workers int
	// StoreTimeout bounds every store and registry call.
	StoreTimeout time.Duration
	// Seed for the per-vehicle random sources. Zero picks a time based seed.
	Seed   int64
	Logger log.FieldLogger
}

// TickReport summarizes one pass over the fleet.
type TickReport struct {
	Vehicles int
	Produced int
	// Skipped counts vehicles left for a later tick without an error
	// (superseded by a newer tick or cancelled).
	Skipped int
	Failed  int
}

// lane serializes the work of successive ticks on one vehicle and owns the
// vehicle's random source. Fields are guarded by sem.
type lane struct {
	sem      chan struct{}
	rng      simulation.RandomSource
	lastTick time.Time
	// retired is set once the lane is pruned; holders must fetch a new one.
	retired bool
}

// Scheduler drives the simulation: on every tick it advances each
// registered vehicle, persists the sample, mirrors it into the registry and
// hands it to the publisher.
type Scheduler struct {
	registry  db.VehicleRegistry
	store     db.TelemetryStore
	publisher Publisher
	opts      Options
	log       log.FieldLogger
	// workers holds one slot per vehicle being processed by any tick.
	workers chan struct{}

	mu    sync.Mutex
	lanes map[string]*lane
}

func New(registry db.VehicleRegistry, store db.TelemetryStore, publisher Publisher, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{
		registry:  registry,
		store:     store,
		publisher: publisher,
		opts:      opts,
		log:       logger,
		workers:   make(chan struct{}, opts.Workers),
		lanes:     make(map[string]*lane),
	}
}

// Seed reports the seed in use, so a time seeded run can be replayed.
func (s *Scheduler) Seed() int64 {
	return s.opts.Seed
}

// Run fires a tick every Interval until ctx is cancelled, then waits for
// in-flight ticks to finish. Ticks run in their own goroutine so a slow
// vehicle never delays the timer.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.WithFields(log.Fields{
		"interval": s.opts.Interval,
		"workers":  s.opts.Workers,
		"seed":     s.opts.Seed,
	}).Info("Telemetry scheduler started")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Telemetry scheduler stopping")
			return nil
		case now := <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.RunTick(ctx, now); err != nil && ctx.Err() == nil {
					s.log.WithError(err).Error("Tick failed")
				}
			}()
		}
	}
}

// RunTick processes every registered vehicle once for the tick at now. A
// failure on one vehicle never aborts the others; the returned error is
// only set when the fleet itself could not be listed.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) (TickReport, error) {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	listCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	vehicles, err := s.registry.ListVehicles(listCtx)
	cancel()
	if err != nil {
		metrics.TicksTotal.WithLabelValues("failed").Inc()
		return TickReport{}, fmt.Errorf("list vehicles: %w", err)
	}

	var produced, skipped, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(s.opts.Workers)
	for _, v := range vehicles {
		p.Go(func() {
			sample, err := s.processVehicle(ctx, v, now)
			if err != nil {
				reason := skipReason(err)
				metrics.VehicleSkipsTotal.WithLabelValues(reason).Inc()
				if isFailure(reason) {
					failed.Add(1)
				} else {
					skipped.Add(1)
				}
				s.logSkip(v.VehicleID, reason, err)
				return
			}
			produced.Add(1)
			metrics.SamplesTotal.WithLabelValues(string(sample.MaintenanceTier)).Inc()
			s.publisher.Publish(*sample)
		})
	}
	p.Wait()
	s.pruneLanes(vehicles, now)

	metrics.TicksTotal.WithLabelValues("ok").Inc()
	report := TickReport{
		Vehicles: len(vehicles),
		Produced: int(produced.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}
	s.log.WithFields(log.Fields{
		"vehicles": report.Vehicles,
		"produced": report.Produced,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
	}).Debug("Tick completed")
	return report, nil
}

// processVehicle runs one vehicle under its lane and a worker slot and
// returns the persisted sample. Both are released before the caller
// publishes.
func (s *Scheduler) processVehicle(ctx context.Context, v models.Vehicle, now time.Time) (*models.TelemetrySample, error) {
	if err := validateVehicle(v); err != nil {
		return nil, err
	}

	l, err := s.acquireLane(ctx, v.VehicleID)
	if err != nil {
		return nil, err
	}
	defer func() { <-l.sem }()

	if !now.After(l.lastTick) {
		return nil, errStaleTick
	}

	// The slot is taken after the lane so ticks queued behind a busy
	// vehicle do not hold worker capacity while they wait.
	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.workers }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	latestCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	prev, err := s.store.Latest(latestCtx, v.VehicleID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read latest sample: %w", err)
	}

	tickSeconds := s.opts.Interval.Seconds()
	if prev != nil {
		tickSeconds = now.Sub(prev.Timestamp).Seconds()
	}
	if tickSeconds < 0 || math.IsNaN(tickSeconds) || math.IsInf(tickSeconds, 0) {
		return nil, fmt.Errorf("%w: previous sample at %s is after tick %s",
			ErrInvalidSnapshot, prev.Timestamp.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	if limit := maxTickIntervals * s.opts.Interval.Seconds(); tickSeconds > limit {
		tickSeconds = limit
	}

	raw := simulation.Advance(prev, v, tickSeconds, l.rng)
	tier, alert := simulation.Classify(raw.FuelLevel, raw.BatteryLevel, raw.Mileage, l.rng)
	sample := models.TelemetrySample{
		VehicleID:         v.VehicleID,
		Timestamp:         now,
		Speed:             raw.Speed,
		FuelLevel:         raw.FuelLevel,
		BatteryLevel:      raw.BatteryLevel,
		Mileage:           raw.Mileage,
		Location:          raw.Location,
		EngineTemperature: raw.EngineTemperature,
		TirePressure:      raw.TirePressure,
		MaintenanceTier:   tier,
		AlertMessage:      alert,
	}

	// Nothing is written once shutdown has started.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	saveCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	err = s.store.Save(saveCtx, sample)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("save sample: %w", err)
	}
	l.lastTick = now

	// The snapshot update follows every successful save, even during shutdown.
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	err = s.registry.UpdateSnapshot(updateCtx, v.VehicleID, models.SnapshotFromSample(sample, time.Now()))
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, db.ErrVehicleNotFound):
		s.log.WithField("vehicle_id", v.VehicleID).Debug("Vehicle removed from registry, snapshot not updated")
	default:
		metrics.SnapshotFailuresTotal.Inc()
		s.log.WithError(err).WithField("vehicle_id", v.VehicleID).Error("Failed to update vehicle snapshot")
	}

	return &sample, nil
}

// acquireLane blocks until the vehicle's current lane is free.
func (s *Scheduler) acquireLane(ctx context.Context, vehicleID string) (*lane, error) {
	for {
		l := s.lane(vehicleID)
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !l.retired {
			return l, nil
		}
		<-l.sem
	}
}

func (s *Scheduler) lane(vehicleID string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[vehicleID]
	if !ok {
		l = &lane{
			sem: make(chan struct{}, 1),
			rng: simulation.NewSource(s.opts.Seed, vehicleID),
		}
		s.lanes[vehicleID] = l
	}
	return l
}

// pruneLanes drops the lanes of vehicles missing from the listing of the
// tick at now. Busy lanes and lanes already advanced by a newer tick are
// left alone; a re-registered vehicle starts over with a fresh lane.
func (s *Scheduler) pruneLanes(listed []models.Vehicle, now time.Time) {
	keep := make(map[string]struct{}, len(listed))
	for _, v := range listed {
		keep[v.VehicleID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, l := range s.lanes {
		if _, ok := keep[id]; ok {
			continue
		}
		select {
		case l.sem <- struct{}{}:
		default:
			continue
		}
		if !l.lastTick.After(now) {
			l.retired = true
			delete(s.lanes, id)
			pruned++
		}
		<-l.sem
	}
	if pruned > 0 {
		s.log.WithField("lanes", pruned).Debug("Pruned lanes of unregistered vehicles")
	}
}

func (s *Scheduler) logSkip(vehicleID, reason string, err error) {
	entry := s.log.WithError(err).WithFields(log.Fields{"vehicle_id": vehicleID, "reason": reason})
	switch reason {
	case reasonStoreUnavailable, reasonOther:
		entry.Error("Vehicle skipped for this tick")
	case reasonInvalidSnapshot:
		entry.Warn("Vehicle skipped for this tick")
	default:
		entry.Debug("Vehicle skipped for this tick")
	}
}

func validateVehicle(v models.Vehicle) error {
	switch {
	case v.VehicleID == "":
		return fmt.Errorf("%w: missing vehicle id", ErrInvalidSnapshot)
	case !v.Location.IsFinite():
		return fmt.Errorf("%w: non-finite location for %s", ErrInvalidSnapshot, v.VehicleID)
	case !models.IsValidStatus(v.Status):
		return fmt.Errorf("%w: unknown status %q for %s", ErrInvalidSnapshot, v.Status, v.VehicleID)
	}
	return nil
}
