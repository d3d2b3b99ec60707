package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

const (
	defaultRecentHours  = 1
	defaultSinceMinutes = 60
	activeSpeedKmh      = 5.0
)

// DashboardStats summarizes the latest sample of every vehicle.
type DashboardStats struct {
	TotalVehicles    int              `json:"totalVehicles"`
	ActiveVehicles   int              `json:"activeVehicles"`
	AverageSpeed     float64          `json:"averageSpeed"`
	AverageFuelLevel float64          `json:"averageFuelLevel"`
	MaintenanceStats map[string]int64 `json:"maintenanceStats"`
}

// TelemetryHandler serves the read-only reporting API over the telemetry store.
type TelemetryHandler struct {
	store    db.TelemetryStore
	registry db.VehicleRegistry
	now      func() time.Time
}

func NewTelemetryHandler(store db.TelemetryStore, registry db.VehicleRegistry) *TelemetryHandler {
	return &TelemetryHandler{store: store, registry: registry, now: time.Now}
}

// Register mounts the reporting routes on r.
func (h *TelemetryHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/telemetry").Subrouter()
	api.HandleFunc("/latest", h.LatestForAll).Methods(http.MethodGet)
	api.HandleFunc("/vehicle/{vehicleId}", h.VehicleHistory).Methods(http.MethodGet)
	api.HandleFunc("/vehicle/{vehicleId}/latest", h.VehicleLatest).Methods(http.MethodGet)
	api.HandleFunc("/vehicle/{vehicleId}/since", h.VehicleSince).Methods(http.MethodGet)
	api.HandleFunc("/recent", h.Recent).Methods(http.MethodGet)
	api.HandleFunc("/maintenance/stats", h.MaintenanceStats).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/stats", h.DashboardStats).Methods(http.MethodGet)

	if h.registry != nil {
		r.HandleFunc("/api/vehicles", h.Vehicles).Methods(http.MethodGet)
	}
}

func (h *TelemetryHandler) LatestForAll(w http.ResponseWriter, r *http.Request) {
	samples, err := h.store.LatestForAllVehicles(r.Context())
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *TelemetryHandler) VehicleHistory(w http.ResponseWriter, r *http.Request) {
	samples, err := h.store.History(r.Context(), mux.Vars(r)["vehicleId"])
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *TelemetryHandler) VehicleLatest(w http.ResponseWriter, r *http.Request) {
	sample, err := h.store.Latest(r.Context(), mux.Vars(r)["vehicleId"])
	if err != nil {
		storeError(w, r, err)
		return
	}
	if sample == nil {
		http.Error(w, "No telemetry for vehicle", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// VehicleSince returns a vehicle's samples of the last N minutes, oldest
// first, for chart replay.
func (h *TelemetryHandler) VehicleSince(w http.ResponseWriter, r *http.Request) {
	minutes, ok := positiveQueryInt(w, r, "minutes", defaultSinceMinutes)
	if !ok {
		return
	}
	since := h.now().Add(-time.Duration(minutes) * time.Minute)
	samples, err := h.store.HistorySince(r.Context(), mux.Vars(r)["vehicleId"], since)
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *TelemetryHandler) Recent(w http.ResponseWriter, r *http.Request) {
	hours, ok := positiveQueryInt(w, r, "hours", defaultRecentHours)
	if !ok {
		return
	}
	since := h.now().Add(-time.Duration(hours) * time.Hour)
	samples, err := h.store.Since(r.Context(), since)
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *TelemetryHandler) MaintenanceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.maintenanceCounts(r.Context())
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *TelemetryHandler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	latest, err := h.store.LatestForAllVehicles(r.Context())
	if err != nil {
		storeError(w, r, err)
		return
	}
	counts, err := h.maintenanceCounts(r.Context())
	if err != nil {
		storeError(w, r, err)
		return
	}

	stats := DashboardStats{TotalVehicles: len(latest), MaintenanceStats: counts}
	if len(latest) > 0 {
		var speed, fuel float64
		for _, s := range latest {
			speed += s.Speed
			fuel += s.FuelLevel
			if s.Speed > activeSpeedKmh {
				stats.ActiveVehicles++
			}
		}
		stats.AverageSpeed = round1(speed / float64(len(latest)))
		stats.AverageFuelLevel = round1(fuel / float64(len(latest)))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *TelemetryHandler) Vehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := h.registry.ListVehicles(r.Context())
	if err != nil {
		storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicles)
}

// maintenanceCounts counts samples (not vehicles) per tier.
func (h *TelemetryHandler) maintenanceCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(models.Tiers))
	for _, tier := range models.Tiers {
		n, err := h.store.CountByTier(ctx, tier)
		if err != nil {
			return nil, err
		}
		counts[string(tier)] = n
	}
	return counts, nil
}

func positiveQueryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, "Invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func storeError(w http.ResponseWriter, r *http.Request, err error) {
	log.WithError(err).WithField("path", r.URL.Path).Error("Telemetry query failed")
	if errors.Is(err, db.ErrStoreUnavailable) {
		http.Error(w, "Telemetry store unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
