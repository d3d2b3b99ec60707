package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

// MemoryTelemetryStore is an in-process TelemetryStore used for demos
// (STORE_DRIVER=memory) and tests.
type MemoryTelemetryStore struct {
	mu sync.RWMutex
	// per vehicle, ascending by timestamp
	samples map[string][]models.TelemetrySample
}

var _ TelemetryStore = (*MemoryTelemetryStore)(nil)

func NewMemoryTelemetryStore() *MemoryTelemetryStore {
	return &MemoryTelemetryStore{samples: make(map[string][]models.TelemetrySample)}
}

func (s *MemoryTelemetryStore) Save(_ context.Context, sample models.TelemetrySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.samples[sample.VehicleID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(sample.Timestamp) })
	list = append(list, models.TelemetrySample{})
	copy(list[i+1:], list[i:])
	list[i] = sample
	s.samples[sample.VehicleID] = list
	return nil
}

func (s *MemoryTelemetryStore) Latest(_ context.Context, vehicleID string) (*models.TelemetrySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.samples[vehicleID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (s *MemoryTelemetryStore) LatestForAllVehicles(_ context.Context) ([]models.TelemetrySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TelemetrySample, 0, len(s.samples))
	for _, list := range s.samples {
		if len(list) > 0 {
			out = append(out, list[len(list)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out, nil
}

func (s *MemoryTelemetryStore) Since(_ context.Context, t time.Time) ([]models.TelemetrySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.TelemetrySample{}
	for _, list := range s.samples {
		for _, sample := range list {
			if !sample.Timestamp.Before(t) {
				out = append(out, sample)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryTelemetryStore) History(_ context.Context, vehicleID string) ([]models.TelemetrySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.samples[vehicleID]
	out := make([]models.TelemetrySample, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *MemoryTelemetryStore) HistorySince(_ context.Context, vehicleID string, t time.Time) ([]models.TelemetrySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.TelemetrySample{}
	for _, sample := range s.samples[vehicleID] {
		if !sample.Timestamp.Before(t) {
			out = append(out, sample)
		}
	}
	return out, nil
}

func (s *MemoryTelemetryStore) CountByTier(_ context.Context, tier models.MaintenanceTier) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, list := range s.samples {
		for _, sample := range list {
			if sample.MaintenanceTier == tier {
				n++
			}
		}
	}
	return n, nil
}

// MemoryVehicleRegistry is an in-process VehicleRegistry.
type MemoryVehicleRegistry struct {
	mu       sync.RWMutex
	vehicles map[string]models.Vehicle
}

var _ VehicleRegistry = (*MemoryVehicleRegistry)(nil)

func NewMemoryVehicleRegistry(vehicles ...models.Vehicle) *MemoryVehicleRegistry {
	r := &MemoryVehicleRegistry{vehicles: make(map[string]models.Vehicle, len(vehicles))}
	for _, v := range vehicles {
		r.vehicles[v.VehicleID] = v
	}
	return r
}

func (r *MemoryVehicleRegistry) InsertVehicle(_ context.Context, vehicle models.Vehicle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vehicles[vehicle.VehicleID]; ok {
		return fmt.Errorf("%s: %w", vehicle.VehicleID, ErrVehicleExists)
	}
	now := time.Now()
	if vehicle.CreatedAt.IsZero() {
		vehicle.CreatedAt = now
	}
	if vehicle.LastUpdated.IsZero() {
		vehicle.LastUpdated = now
	}
	r.vehicles[vehicle.VehicleID] = vehicle
	return nil
}

func (r *MemoryVehicleRegistry) ListVehicles(_ context.Context) ([]models.Vehicle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Vehicle, 0, len(r.vehicles))
	for _, v := range r.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out, nil
}

func (r *MemoryVehicleRegistry) UpdateSnapshot(_ context.Context, vehicleID string, update models.SnapshotUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vehicles[vehicleID]
	if !ok {
		return ErrVehicleNotFound
	}
	v.Apply(update)
	r.vehicles[vehicleID] = v
	return nil
}

// FindVehicle returns a copy of a registered vehicle.
func (r *MemoryVehicleRegistry) FindVehicle(vehicleID string) (models.Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.vehicles[vehicleID]
	return v, ok
}

// DeleteVehicle removes a vehicle from the registry.
func (r *MemoryVehicleRegistry) DeleteVehicle(vehicleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vehicles[vehicleID]; !ok {
		return ErrVehicleNotFound
	}
	delete(r.vehicles, vehicleID)
	return nil
}
