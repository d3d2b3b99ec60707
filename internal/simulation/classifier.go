package simulation

import (
	"fmt"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

const (
	criticalFuel    = 15.0
	criticalBattery = 20.0
	criticalMileage = 50000.0

	dueFuel    = 30.0
	dueBattery = 40.0
	dueMileage = 30000.0

	// randomDueChance injects spontaneous maintenance events on healthy vehicles.
	randomDueChance = 0.1

	dueAlert              = "Scheduled maintenance due soon"
	immediateMaintenance  = "Critical: Immediate maintenance required"
	lowFuelAlertFormat    = "Critical: Low fuel level - %.1f%%"
	lowBatteryAlertFormat = "Critical: Low battery level - %.1f%%"
)

// Reading is the subset of raw telemetry the classifier looks at.
type Reading struct {
	Fuel    float64
	Battery float64
	Mileage float64
}

// MaintenanceRule maps a reading to a tier when Match returns true.
type MaintenanceRule struct {
	Tier  models.MaintenanceTier
	Match func(r Reading, rng RandomSource) bool
	Alert func(r Reading) string
}

// MaintenanceRules is evaluated top to bottom; the first match wins.
// Thresholds are checked before the random draw, so the draw is only
// consumed when no threshold in the Due rule already matched.
var MaintenanceRules = []MaintenanceRule{
	{
		Tier: models.TierCritical,
		Match: func(r Reading, _ RandomSource) bool {
			return r.Fuel < criticalFuel || r.Battery < criticalBattery || r.Mileage > criticalMileage
		},
		Alert: criticalAlert,
	},
	{
		Tier: models.TierDue,
		Match: func(r Reading, rng RandomSource) bool {
			return r.Fuel < dueFuel || r.Battery < dueBattery || r.Mileage > dueMileage ||
				rng.Float64() < randomDueChance
		},
		Alert: func(Reading) string { return dueAlert },
	},
}

// Classify assigns a maintenance tier and optional alert text.
// Healthy samples carry no alert.
func Classify(fuel, battery, mileage float64, rng RandomSource) (models.MaintenanceTier, string) {
	r := Reading{Fuel: fuel, Battery: battery, Mileage: mileage}
	for _, rule := range MaintenanceRules {
		if rule.Match(r, rng) {
			return rule.Tier, rule.Alert(r)
		}
	}
	return models.TierHealthy, ""
}

// criticalAlert reports fuel before battery before the generic message.
func criticalAlert(r Reading) string {
	switch {
	case r.Fuel < criticalFuel:
		return fmt.Sprintf(lowFuelAlertFormat, r.Fuel)
	case r.Battery < criticalBattery:
		return fmt.Sprintf(lowBatteryAlertFormat, r.Battery)
	default:
		return immediateMaintenance
	}
}
