package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

const (
	RedisGeoKey           = "fleet:geo"
	RedisTelemetryChannel = "fleet:telemetry"

	// GEOADD rejects latitudes outside the Web Mercator range.
	maxGeoLat = 85.05112878
)

func RedisStateKey(vehicleID string) string {
	return fmt.Sprintf("vehicle:%s:state", vehicleID)
}

// RedisBridge mirrors each sample into a per-vehicle state hash with a TTL,
// the fleet geo set and the fleet pub/sub channel, in one pipeline.
type RedisBridge struct {
	client   *redis.Client
	stateTTL time.Duration
}

func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisBridge(client *redis.Client, stateTTL time.Duration) *RedisBridge {
	if stateTTL <= 0 {
		stateTTL = 30 * time.Second
	}
	return &RedisBridge{client: client, stateTTL: stateTTL}
}

func (b *RedisBridge) Name() string { return "redis" }

func (b *RedisBridge) Forward(ctx context.Context, sample models.TelemetrySample) error {
	state := map[string]interface{}{
		"vehicle_id":         sample.VehicleID,
		"lat":                sample.Location.Lat,
		"lon":                sample.Location.Lon,
		"speed":              sample.Speed,
		"fuel_level":         sample.FuelLevel,
		"battery_level":      sample.BatteryLevel,
		"mileage":            sample.Mileage,
		"engine_temperature": sample.EngineTemperature,
		"tire_pressure":      sample.TirePressure,
		"maintenance_tier":   string(sample.MaintenanceTier),
		"alert_message":      sample.AlertMessage,
		"timestamp":          sample.Timestamp.Unix(),
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	key := RedisStateKey(sample.VehicleID)
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key, state)
	pipe.Expire(ctx, key, b.stateTTL)
	// positions drift without bounds; skip the geo index once out of range
	if math.Abs(sample.Location.Lat) <= maxGeoLat && math.Abs(sample.Location.Lon) <= 180 {
		pipe.GeoAdd(ctx, RedisGeoKey, &redis.GeoLocation{
			Name:      sample.VehicleID,
			Longitude: sample.Location.Lon,
			Latitude:  sample.Location.Lat,
		})
	}
	pipe.Publish(ctx, RedisTelemetryChannel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}
