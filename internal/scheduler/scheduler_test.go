package scheduler

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

// MockRegistry is a mock implementation of db.VehicleRegistry
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Vehicle), args.Error(1)
}

func (m *MockRegistry) UpdateSnapshot(ctx context.Context, vehicleID string, update models.SnapshotUpdate) error {
	args := m.Called(ctx, vehicleID, update)
	return args.Error(0)
}

func (m *MockRegistry) InsertVehicle(ctx context.Context, vehicle models.Vehicle) error {
	args := m.Called(ctx, vehicle)
	return args.Error(0)
}

// recordingStore keeps saves in call order and can fail chosen vehicles.
type recordingStore struct {
	*db.MemoryTelemetryStore

	mu      sync.Mutex
	saved   []models.TelemetrySample
	failFor map[string]error
	onSave  func()
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryTelemetryStore: db.NewMemoryTelemetryStore(), failFor: map[string]error{}}
}

func (s *recordingStore) Latest(ctx context.Context, vehicleID string) (*models.TelemetrySample, error) {
	s.mu.Lock()
	err := s.failFor[vehicleID]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryTelemetryStore.Latest(ctx, vehicleID)
}

func (s *recordingStore) Save(ctx context.Context, sample models.TelemetrySample) error {
	if err := s.MemoryTelemetryStore.Save(ctx, sample); err != nil {
		return err
	}
	s.mu.Lock()
	s.saved = append(s.saved, sample)
	onSave := s.onSave
	s.mu.Unlock()
	if onSave != nil {
		onSave()
	}
	return nil
}

func (s *recordingStore) savedFor(vehicleID string) []models.TelemetrySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TelemetrySample
	for _, sample := range s.saved {
		if sample.VehicleID == vehicleID {
			out = append(out, sample)
		}
	}
	return out
}

// slowStore delays every store call and records the peak number in flight.
type slowStore struct {
	*recordingStore
	delay time.Duration

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (s *slowStore) enter() {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()
	time.Sleep(s.delay)
}

func (s *slowStore) leave() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

func (s *slowStore) Latest(ctx context.Context, vehicleID string) (*models.TelemetrySample, error) {
	s.enter()
	defer s.leave()
	return s.recordingStore.Latest(ctx, vehicleID)
}

func (s *slowStore) Save(ctx context.Context, sample models.TelemetrySample) error {
	s.enter()
	defer s.leave()
	return s.recordingStore.Save(ctx, sample)
}

func (s *slowStore) peakInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func fleetOf(n int) *db.MemoryVehicleRegistry {
	vehicles := make([]models.Vehicle, 0, n)
	for i := 1; i <= n; i++ {
		vehicles = append(vehicles, vehicle(fmt.Sprintf("V%02d", i), models.StatusEnRoute, i%2 == 0))
	}
	return db.NewMemoryVehicleRegistry(vehicles...)
}

func laneCount(s *Scheduler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

type recordingPublisher struct {
	mu      sync.Mutex
	samples []models.TelemetrySample
}

func (p *recordingPublisher) Publish(sample models.TelemetrySample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, sample)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples)
}

func vehicle(id string, status models.VehicleStatus, electric bool) models.Vehicle {
	return models.Vehicle{
		VehicleID:  id,
		Status:     status,
		IsElectric: electric,
		Location:   models.Location{Lat: 40.7128, Lon: -74.0060},
	}
}

func testOptions() (Options, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return Options{Interval: 5 * time.Second, Workers: 4, StoreTimeout: time.Second, Seed: 42, Logger: logger}, hook
}

func entriesAt(hook *test.Hook, level log.Level) []*log.Entry {
	var out []*log.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

var tickZero = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestRunTick_ProducesPersistsAndPublishes(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(
		vehicle("V1", models.StatusEnRoute, false),
		vehicle("V2", models.StatusAvailable, true),
	)
	store := newRecordingStore()
	pub := &recordingPublisher{}
	opts, _ := testOptions()
	s := New(registry, store, pub, opts)

	report, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Vehicles: 2, Produced: 2}, report)
	assert.Equal(t, 2, pub.count())

	latest, err := store.Latest(context.Background(), "V1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Timestamp.Equal(tickZero))
	assert.True(t, models.IsValidTier(latest.MaintenanceTier))

	v1, ok := registry.FindVehicle("V1")
	require.True(t, ok)
	assert.Equal(t, latest.Speed, v1.Speed)
	assert.Equal(t, latest.FuelLevel, v1.FuelLevel)
	assert.Equal(t, latest.Location, v1.Location)
	assert.False(t, v1.LastUpdated.IsZero())

	// first sample starts from registry defaults
	assert.InDelta(t, latest.Speed*5/3600, latest.Mileage, 1e-9)
}

func TestRunTick_CriticalFuelEndToEnd(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(vehicle("V1", models.StatusEnRoute, true))
	store := newRecordingStore()
	require.NoError(t, store.MemoryTelemetryStore.Save(context.Background(), models.TelemetrySample{
		VehicleID:       "V1",
		Timestamp:       tickZero.Add(-5 * time.Second),
		FuelLevel:       14,
		BatteryLevel:    50,
		Mileage:         100,
		MaintenanceTier: models.TierDue,
	}))
	pub := &recordingPublisher{}
	opts, _ := testOptions()
	s := New(registry, store, pub, opts)

	_, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)

	saved := store.savedFor("V1")
	require.Len(t, saved, 1)
	sample := saved[0]
	assert.GreaterOrEqual(t, sample.FuelLevel, 12.0)
	assert.LessOrEqual(t, sample.FuelLevel, 14.0)
	assert.GreaterOrEqual(t, sample.BatteryLevel, 47.0)
	assert.LessOrEqual(t, sample.BatteryLevel, 50.0)
	assert.GreaterOrEqual(t, sample.Speed, 20.0)
	assert.LessOrEqual(t, sample.Speed, 80.0)
	assert.InDelta(t, 100+sample.Speed*5/3600, sample.Mileage, 1e-9)
	assert.Equal(t, models.TierCritical, sample.MaintenanceTier)
	assert.True(t, strings.HasPrefix(sample.AlertMessage, "Critical: Low fuel level - "), sample.AlertMessage)
}

func TestRunTick_FailureIsolation(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(
		vehicle("V1", models.StatusEnRoute, false),
		vehicle("V2", models.StatusEnRoute, false),
		vehicle("V3", models.StatusLoading, true),
	)
	store := newRecordingStore()
	store.failFor["V2"] = context.DeadlineExceeded
	pub := &recordingPublisher{}
	opts, hook := testOptions()
	s := New(registry, store, pub, opts)

	report, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Produced)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, store.savedFor("V2"))
	assert.Len(t, store.savedFor("V1"), 1)
	assert.Len(t, store.savedFor("V3"), 1)

	errs := entriesAt(hook, log.ErrorLevel)
	require.Len(t, errs, 1)
	assert.Equal(t, "V2", errs[0].Data["vehicle_id"])
	assert.Equal(t, reasonStoreUnavailable, errs[0].Data["reason"])

	// retried on the next tick
	delete(store.failFor, "V2")
	report, err = s.RunTick(context.Background(), tickZero.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Produced)
	assert.Len(t, store.savedFor("V2"), 1)
}

func TestRunTick_InvalidSnapshotsAreSkipped(t *testing.T) {
	bad := vehicle("V2", "FLYING", false)
	nan := vehicle("V3", models.StatusEnRoute, false)
	nan.Location.Lat = math.NaN()
	registry := db.NewMemoryVehicleRegistry(vehicle("V1", models.StatusEnRoute, false), bad, nan)
	store := newRecordingStore()
	opts, hook := testOptions()
	s := New(registry, store, &recordingPublisher{}, opts)

	report, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Vehicles: 3, Produced: 1, Failed: 2}, report)
	assert.Len(t, entriesAt(hook, log.WarnLevel), 2)
	assert.Empty(t, entriesAt(hook, log.ErrorLevel))
}

func TestRunTick_PreviousSampleInTheFuture(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(vehicle("V1", models.StatusEnRoute, false))
	store := newRecordingStore()
	require.NoError(t, store.MemoryTelemetryStore.Save(context.Background(), models.TelemetrySample{
		VehicleID: "V1",
		Timestamp: tickZero.Add(time.Minute),
	}))
	opts, _ := testOptions()
	s := New(registry, store, &recordingPublisher{}, opts)

	report, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, store.savedFor("V1"))
}

func TestRunTick_VehicleRemovedBeforeSnapshot(t *testing.T) {
	v1 := vehicle("V1", models.StatusEnRoute, false)
	registry := new(MockRegistry)
	registry.On("ListVehicles", mock.Anything).Return([]models.Vehicle{v1}, nil)
	registry.On("UpdateSnapshot", mock.Anything, "V1", mock.AnythingOfType("models.SnapshotUpdate")).Return(db.ErrVehicleNotFound)

	store := newRecordingStore()
	pub := &recordingPublisher{}
	opts, hook := testOptions()
	s := New(registry, store, pub, opts)

	report, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Produced)
	assert.Len(t, store.savedFor("V1"), 1)
	assert.Equal(t, 1, pub.count())
	assert.Empty(t, entriesAt(hook, log.ErrorLevel))
	assert.NotEmpty(t, entriesAt(hook, log.DebugLevel))
	registry.AssertExpectations(t)
}

func TestRunTick_SnapshotFailureStillPublishes(t *testing.T) {
	registry := new(MockRegistry)
	registry.On("ListVehicles", mock.Anything).Return([]models.Vehicle{vehicle("V1", models.StatusLoading, true)}, nil)
	registry.On("UpdateSnapshot", mock.Anything, "V1", mock.Anything).Return(db.ErrStoreUnavailable)

	pub := &recordingPublisher{}
	opts, hook := testOptions()
	s := New(registry, newRecordingStore(), pub, opts)

	report, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Produced)
	assert.Equal(t, 1, pub.count())
	assert.Len(t, entriesAt(hook, log.ErrorLevel), 1)
}

func TestRunTick_ListFailureFailsTick(t *testing.T) {
	registry := new(MockRegistry)
	registry.On("ListVehicles", mock.Anything).Return(nil, db.ErrStoreUnavailable)
	opts, _ := testOptions()
	s := New(registry, newRecordingStore(), &recordingPublisher{}, opts)

	_, err := s.RunTick(context.Background(), tickZero)
	assert.ErrorIs(t, err, db.ErrStoreUnavailable)
	registry.AssertNotCalled(t, "UpdateSnapshot", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunTick_StaleTickIsSkipped(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(vehicle("V1", models.StatusEnRoute, false))
	store := newRecordingStore()
	opts, _ := testOptions()
	s := New(registry, store, &recordingPublisher{}, opts)

	_, err := s.RunTick(context.Background(), tickZero.Add(time.Second))
	require.NoError(t, err)
	report, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Vehicles: 1, Skipped: 1}, report)
	assert.Len(t, store.savedFor("V1"), 1)
}

func TestRunTick_DeterministicForSeed(t *testing.T) {
	run := func() []models.TelemetrySample {
		registry := db.NewMemoryVehicleRegistry(
			vehicle("V1", models.StatusEnRoute, true),
			vehicle("V2", models.StatusLoading, false),
			vehicle("V3", models.StatusAvailable, true),
		)
		store := newRecordingStore()
		opts, _ := testOptions()
		s := New(registry, store, &recordingPublisher{}, opts)
		for i := 0; i < 5; i++ {
			_, err := s.RunTick(context.Background(), tickZero.Add(time.Duration(i)*5*time.Second))
			require.NoError(t, err)
		}
		var out []models.TelemetrySample
		for _, id := range []string{"V1", "V2", "V3"} {
			history, err := store.History(context.Background(), id)
			require.NoError(t, err)
			out = append(out, history...)
		}
		return out
	}

	first, second := run(), run()
	require.Len(t, first, 15)
	assert.Equal(t, first, second)
}

func TestRunTick_OverlappingTicksKeepVehicleOrder(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(
		vehicle("V1", models.StatusEnRoute, true),
		vehicle("V2", models.StatusEnRoute, false),
	)
	store := newRecordingStore()
	opts, _ := testOptions()
	s := New(registry, store, &recordingPublisher{}, opts)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunTick(context.Background(), tickZero.Add(time.Duration(i)*time.Second))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range []string{"V1", "V2"} {
		saved := store.savedFor(id)
		require.NotEmpty(t, saved)
		for i := 1; i < len(saved); i++ {
			assert.True(t, saved[i].Timestamp.After(saved[i-1].Timestamp), "persisted out of tick order")
			assert.GreaterOrEqual(t, saved[i].Mileage, saved[i-1].Mileage)
			assert.LessOrEqual(t, saved[i].FuelLevel, saved[i-1].FuelLevel)
		}
	}
}

func TestRunTick_CancelledBeforeSave(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(vehicle("V1", models.StatusEnRoute, false), vehicle("V2", models.StatusEnRoute, false))
	store := newRecordingStore()
	pub := &recordingPublisher{}
	opts, _ := testOptions()
	s := New(registry, store, pub, opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := s.RunTick(ctx, tickZero)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Produced)
	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, store.saved)
	assert.Equal(t, 0, pub.count())
}

func TestRunTick_SnapshotUpdatedAfterCancelDuringSave(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(vehicle("V1", models.StatusEnRoute, false))
	store := newRecordingStore()
	ctx, cancel := context.WithCancel(context.Background())
	store.onSave = cancel
	opts, _ := testOptions()
	s := New(registry, store, &recordingPublisher{}, opts)

	report, err := s.RunTick(ctx, tickZero)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Produced)

	v1, ok := registry.FindVehicle("V1")
	require.True(t, ok)
	assert.Equal(t, store.savedFor("V1")[0].Speed, v1.Speed)
	assert.False(t, v1.LastUpdated.IsZero())
}

func TestRun_StopsOnCancel(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(vehicle("V1", models.StatusEnRoute, false))
	store := newRecordingStore()
	opts, _ := testOptions()
	opts.Interval = 10 * time.Millisecond
	s := New(registry, store, &recordingPublisher{}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(store.savedFor("V1")) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	n := len(store.savedFor("V1"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(store.savedFor("V1")))
}

func TestNew_Defaults(t *testing.T) {
	s := New(db.NewMemoryVehicleRegistry(), db.NewMemoryTelemetryStore(), &recordingPublisher{}, Options{})
	assert.Equal(t, DefaultInterval, s.opts.Interval)
	assert.Equal(t, DefaultWorkers, s.opts.Workers)
	assert.Equal(t, DefaultStoreTimeout, s.opts.StoreTimeout)
	assert.NotZero(t, s.Seed())
}

func TestSkipReason(t *testing.T) {
	tests := []struct {
		err    error
		reason string
	}{
		{errStaleTick, reasonStaleTick},
		{ErrInvalidSnapshot, reasonInvalidSnapshot},
		{db.ErrVehicleNotFound, reasonNotFound},
		{db.ErrStoreUnavailable, reasonStoreUnavailable},
		{context.DeadlineExceeded, reasonStoreUnavailable},
		{context.Canceled, reasonCancelled},
		{assert.AnError, reasonOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.reason, skipReason(tt.err), tt.err.Error())
	}
}

func TestRunTick_WorkerBoundHoldsAcrossOverlappingTicks(t *testing.T) {
	store := &slowStore{recordingStore: newRecordingStore(), delay: 10 * time.Millisecond}
	opts, _ := testOptions()
	opts.Workers = 2
	s := New(fleetOf(12), store, &recordingPublisher{}, opts)

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunTick(context.Background(), tickZero.Add(time.Duration(i)*time.Second))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.NotEmpty(t, store.savedFor("V01"))
	assert.LessOrEqual(t, store.peakInFlight(), 2)
}

func TestRun_WorkerBoundHoldsWhenTicksOutlastInterval(t *testing.T) {
	store := &slowStore{recordingStore: newRecordingStore(), delay: 40 * time.Millisecond}
	opts, _ := testOptions()
	opts.Workers = 2
	opts.Interval = 20 * time.Millisecond
	s := New(fleetOf(40), store, &recordingPublisher{}, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Positive(t, store.peakInFlight())
	assert.LessOrEqual(t, store.peakInFlight(), 2)
}

func TestRunTick_PrunesLanesOfRemovedVehicles(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(
		vehicle("V1", models.StatusEnRoute, false),
		vehicle("V2", models.StatusEnRoute, false),
	)
	opts, _ := testOptions()
	s := New(registry, newRecordingStore(), &recordingPublisher{}, opts)

	_, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)
	assert.Equal(t, 2, laneCount(s))
	old := s.lane("V2")

	require.NoError(t, registry.DeleteVehicle("V2"))
	_, err = s.RunTick(context.Background(), tickZero.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, laneCount(s))
	assert.True(t, old.retired)

	// a re-registered vehicle starts with a fresh lane
	require.NoError(t, registry.InsertVehicle(context.Background(), vehicle("V2", models.StatusEnRoute, false)))
	report, err := s.RunTick(context.Background(), tickZero.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Produced)
	assert.NotSame(t, old, s.lane("V2"))
}

func TestPruneLanes_KeepsLanesAdvancedByNewerTick(t *testing.T) {
	opts, _ := testOptions()
	s := New(db.NewMemoryVehicleRegistry(), newRecordingStore(), &recordingPublisher{}, opts)
	s.lane("V1").lastTick = tickZero.Add(time.Minute)
	busy := s.lane("V2")
	busy.sem <- struct{}{}

	s.pruneLanes(nil, tickZero)
	assert.Equal(t, 2, laneCount(s))

	<-busy.sem
	s.pruneLanes(nil, tickZero)
	assert.Equal(t, 1, laneCount(s))
}

func TestRunTick_CapsStepAfterLongGap(t *testing.T) {
	registry := db.NewMemoryVehicleRegistry(vehicle("V1", models.StatusEnRoute, false))
	store := newRecordingStore()
	require.NoError(t, store.MemoryTelemetryStore.Save(context.Background(), models.TelemetrySample{
		VehicleID:    "V1",
		Timestamp:    tickZero.Add(-10 * time.Hour),
		FuelLevel:    80,
		BatteryLevel: 100,
		Mileage:      100,
	}))
	opts, _ := testOptions()
	s := New(registry, store, &recordingPublisher{}, opts)

	_, err := s.RunTick(context.Background(), tickZero)
	require.NoError(t, err)

	saved := store.savedFor("V1")
	require.Len(t, saved, 1)
	assert.InDelta(t, 100+saved[0].Speed*15/3600, saved[0].Mileage, 1e-9)
}
