package simulation

import (
	"math"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

const (
	positionJitter = 0.005 // degrees, each axis

	enRouteMinSpeed = 20.0
	enRouteMaxSpeed = 80.0
	loadingMaxSpeed = 5.0

	fuelFloor       = 10.0
	maxFuelBurn     = 2.0
	batteryFloor    = 15.0
	maxBatteryDrain = 3.0

	fullTank = 100.0

	minEngineTemp = 80.0
	maxEngineTemp = 120.0
	minTirePSI    = 30.0
	maxTirePSI    = 40.0
)

// RawTelemetry is the unclassified output of one progression step.
type RawTelemetry struct {
	Location          models.Location
	Speed             float64
	FuelLevel         float64
	BatteryLevel      float64
	Mileage           float64
	EngineTemperature float64
	TirePressure      float64
}

// Advance computes the next raw telemetry for a vehicle from its previous
// sample, or from registry defaults when prev is nil.
//
// Draws are taken in a fixed order (lat, lon, speed, fuel, battery, engine
// temperature, tire pressure); speed and battery only draw when they vary.
func Advance(prev *models.TelemetrySample, v models.Vehicle, tickSeconds float64, rng RandomSource) RawTelemetry {
	base := models.Location{Lat: v.Location.Lat, Lon: v.Location.Lon}
	mileage, fuel, battery := 0.0, fullTank, fullTank
	if prev != nil {
		base = prev.Location
		mileage = prev.Mileage
		fuel = prev.FuelLevel
		battery = prev.BatteryLevel
	}

	var out RawTelemetry

	// Random walk with no bounds; long runs may leave valid coordinate ranges.
	out.Location = models.Location{
		Lat: base.Lat + uniform(rng, -positionJitter, positionJitter),
		Lon: base.Lon + uniform(rng, -positionJitter, positionJitter),
	}

	switch v.Status {
	case models.StatusEnRoute:
		out.Speed = uniform(rng, enRouteMinSpeed, enRouteMaxSpeed)
	case models.StatusLoading:
		out.Speed = uniform(rng, 0, loadingMaxSpeed)
	}

	out.FuelLevel = math.Max(fuelFloor, fuel-uniform(rng, 0, maxFuelBurn))

	if v.IsElectric {
		out.BatteryLevel = math.Max(batteryFloor, battery-uniform(rng, 0, maxBatteryDrain))
	} else {
		out.BatteryLevel = fullTank
	}

	out.Mileage = mileage + out.Speed*(tickSeconds/3600)
	out.EngineTemperature = uniform(rng, minEngineTemp, maxEngineTemp)
	out.TirePressure = uniform(rng, minTirePSI, maxTirePSI)

	return out
}
