// Package fleet builds demo fleets placed around world cities.
package fleet

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

// Cities for realistic starting positions
var Cities = []models.Location{
	{Lat: 51.5074, Lon: -0.1278},  // London
	{Lat: 40.7128, Lon: -74.0060}, // New York
	{Lat: 40.4168, Lon: -3.7038},  // Madrid
	{Lat: 35.1856, Lon: 33.3823},  // Nicosia
	{Lat: 4.7110, Lon: -74.0721},  // Bogotá
	{Lat: 48.8566, Lon: 2.3522},   // Paris
	{Lat: 41.0082, Lon: 28.9784},  // Istanbul
	{Lat: 51.4816, Lon: -3.1791},  // Cardiff
	{Lat: 34.0522, Lon: -118.2437}, // Los Angeles
	{Lat: 37.7749, Lon: -122.4194}, // San Francisco
	{Lat: 52.5200, Lon: 13.4050},   // Berlin
	{Lat: 35.6762, Lon: 139.6503},  // Tokyo
	{Lat: -33.8688, Lon: 151.2093}, // Sydney
	{Lat: 1.3521, Lon: 103.8198},   // Singapore
	{Lat: -23.5505, Lon: -46.6333}, // São Paulo
	{Lat: 43.6532, Lon: -79.3832},  // Toronto
	{Lat: 25.2048, Lon: 55.2708},   // Dubai
	{Lat: 19.0760, Lon: 72.8777},   // Mumbai
	{Lat: -26.2041, Lon: 28.0473},  // Johannesburg
	{Lat: -37.8136, Lon: 144.9631}, // Melbourne
}

var (
	vehicleTypes = []string{"Truck", "Van", "Bus", "Sedan"}

	manufacturers = map[bool][]string{
		false: {"Ford", "Chevrolet", "Toyota", "Volvo", "Mercedes-Benz"},
		true:  {"Tesla", "Nissan", "Rivian", "Ford", "BYD"},
	}
	modelNames = map[bool][]string{
		false: {"Transit", "Silverado", "Hilux", "FH16", "Sprinter"},
		true:  {"Semi", "e-NV200", "EDV", "E-Transit", "T3"},
	}

	// weights favour moving vehicles so the demo has something to show
	statuses = []models.VehicleStatus{
		models.StatusEnRoute, models.StatusEnRoute, models.StatusEnRoute,
		models.StatusLoading, models.StatusLoading,
		models.StatusAvailable, models.StatusAvailable,
		models.StatusMaintenance,
		models.StatusOffline,
		models.StatusOutOfService,
	}
)

// JitterLocation moves base by up to meters in each axis.
func JitterLocation(rng *rand.Rand, base models.Location, meters float64) models.Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (rng.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (rng.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return models.Location{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

// RandomLocation picks a city and starts close to its roads.
func RandomLocation(rng *rand.Rand) models.Location {
	base := Cities[rng.IntN(len(Cities))]
	return JitterLocation(rng, base, 500)
}

// VehicleID formats the demo identifier of the i-th vehicle (1 based).
func VehicleID(i int) string {
	return fmt.Sprintf("VH-%03d", i)
}

// Generate returns n registry entries with random make, status and position.
func Generate(rng *rand.Rand, n int, now time.Time) []models.Vehicle {
	vehicles := make([]models.Vehicle, 0, n)
	for i := 1; i <= n; i++ {
		electric := rng.IntN(2) == 1
		vehicles = append(vehicles, models.Vehicle{
			VehicleID:    VehicleID(i),
			Type:         vehicleTypes[rng.IntN(len(vehicleTypes))],
			Manufacturer: manufacturers[electric][rng.IntN(len(manufacturers[electric]))],
			Model:        modelNames[electric][rng.IntN(len(modelNames[electric]))],
			LicensePlate: fmt.Sprintf("FL-%04d", 1000+rng.IntN(9000)),
			IsElectric:   electric,
			Status:       statuses[rng.IntN(len(statuses))],
			Location:     RandomLocation(rng),
			FuelLevel:    100,
			BatteryLevel: 100,
			CreatedAt:    now,
		})
	}
	return vehicles
}

// Seed inserts the vehicles into the registry. Vehicles that fail to insert
// (typically because they already exist) are logged and skipped.
func Seed(ctx context.Context, registry db.VehicleRegistry, vehicles []models.Vehicle) int {
	created := 0
	for _, v := range vehicles {
		if err := registry.InsertVehicle(ctx, v); err != nil {
			log.WithError(err).WithField("vehicle_id", v.VehicleID).Warn("Failed to create vehicle")
			continue
		}
		log.WithFields(log.Fields{
			"vehicle_id":  v.VehicleID,
			"status":      v.Status,
			"is_electric": v.IsElectric,
		}).Debug("Created vehicle")
		created++
	}
	log.WithField("created_vehicles", created).Info("Vehicle creation completed")
	return created
}
