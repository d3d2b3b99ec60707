package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaintenanceTier is the health classification of a telemetry sample.
type MaintenanceTier string

const (
	TierHealthy  MaintenanceTier = "HEALTHY"
	TierDue      MaintenanceTier = "DUE"
	TierCritical MaintenanceTier = "CRITICAL"
)

// Tiers lists every tier from least to most severe.
var Tiers = []MaintenanceTier{TierHealthy, TierDue, TierCritical}

// Severity orders tiers for reporting; unknown tiers sort below Healthy.
func (t MaintenanceTier) Severity() int {
	switch t {
	case TierHealthy:
		return 1
	case TierDue:
		return 2
	case TierCritical:
		return 3
	default:
		return 0
	}
}

// Compare returns -1, 0 or 1 as t is less, equally or more severe than o.
func (t MaintenanceTier) Compare(o MaintenanceTier) int {
	a, b := t.Severity(), o.Severity()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsValidTier checks if a tier is one of the known maintenance tiers
func IsValidTier(t MaintenanceTier) bool {
	return t.Severity() > 0
}

// TelemetrySample is one telemetry record produced for one vehicle by one tick.
// Samples are never updated once saved.
type TelemetrySample struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	VehicleID         string             `bson:"vehicle_id" json:"vehicle_id"`
	Timestamp         time.Time          `bson:"timestamp" json:"timestamp"`
	Speed             float64            `bson:"speed" json:"speed"`
	FuelLevel         float64            `bson:"fuel_level" json:"fuel_level"`
	BatteryLevel      float64            `bson:"battery_level" json:"battery_level"`
	Mileage           float64            `bson:"mileage" json:"mileage"`
	Location          Location           `bson:"location" json:"location"`
	EngineTemperature float64            `bson:"engine_temperature" json:"engine_temperature"`
	TirePressure      float64            `bson:"tire_pressure" json:"tire_pressure"`
	MaintenanceTier   MaintenanceTier    `bson:"maintenance_tier" json:"maintenance_tier"`
	AlertMessage      string             `bson:"alert_message,omitempty" json:"alert_message,omitempty"`
}
