package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// VehicleStatus is the operating status of a vehicle as kept by the registry.
type VehicleStatus string

const (
	StatusAvailable    VehicleStatus = "AVAILABLE"
	StatusEnRoute      VehicleStatus = "EN_ROUTE"
	StatusLoading      VehicleStatus = "LOADING"
	StatusMaintenance  VehicleStatus = "MAINTENANCE"
	StatusOffline      VehicleStatus = "OFFLINE"
	StatusOutOfService VehicleStatus = "OUT_OF_SERVICE"
)

// IsValidStatus checks if a status is one the registry knows about
func IsValidStatus(status VehicleStatus) bool {
	switch status {
	case StatusAvailable, StatusEnRoute, StatusLoading,
		StatusMaintenance, StatusOffline, StatusOutOfService:
		return true
	default:
		return false
	}
}

// Vehicle represents a fleet vehicle together with its cached snapshot of the
// most recent telemetry sample.
type Vehicle struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	VehicleID    string             `bson:"vehicle_id" json:"vehicle_id"`
	Type         string             `bson:"type" json:"type"`
	Model        string             `bson:"model" json:"model"`
	Manufacturer string             `bson:"manufacturer" json:"manufacturer"`
	LicensePlate string             `bson:"license_plate" json:"license_plate"`
	IsElectric   bool               `bson:"is_electric" json:"is_electric"`
	Status       VehicleStatus      `bson:"status" json:"status"`
	Location     Location           `bson:"location" json:"location"`

	// Snapshot fields, refreshed by the scheduler after each sample.
	Speed        float64   `bson:"speed" json:"speed"`
	FuelLevel    float64   `bson:"fuel_level" json:"fuel_level"`
	BatteryLevel float64   `bson:"battery_level" json:"battery_level"`
	Mileage      float64   `bson:"mileage" json:"mileage"`
	LastUpdated  time.Time `bson:"last_updated" json:"last_updated"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

// SnapshotUpdate carries the fields mirrored from a new sample into the registry.
type SnapshotUpdate struct {
	Location     Location  `bson:"location"`
	Speed        float64   `bson:"speed"`
	FuelLevel    float64   `bson:"fuel_level"`
	BatteryLevel float64   `bson:"battery_level"`
	Mileage      float64   `bson:"mileage"`
	LastUpdated  time.Time `bson:"last_updated"`
}

// SnapshotFromSample builds the registry update for a freshly produced sample.
func SnapshotFromSample(s TelemetrySample, updatedAt time.Time) SnapshotUpdate {
	return SnapshotUpdate{
		Location:     s.Location,
		Speed:        s.Speed,
		FuelLevel:    s.FuelLevel,
		BatteryLevel: s.BatteryLevel,
		Mileage:      s.Mileage,
		LastUpdated:  updatedAt,
	}
}

// Apply copies the update onto the vehicle's cached snapshot fields.
func (v *Vehicle) Apply(u SnapshotUpdate) {
	v.Location = u.Location
	v.Speed = u.Speed
	v.FuelLevel = u.FuelLevel
	v.BatteryLevel = u.BatteryLevel
	v.Mileage = u.Mileage
	v.LastUpdated = u.LastUpdated
}
