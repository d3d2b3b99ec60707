package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/fleet-telemetry/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	TelemetryCollectionName = "telemetry"
	VehicleCollectionName   = "vehicles"
)

// ConnectMongo connects to MongoDB and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// MongoTelemetryStore stores telemetry samples in a MongoDB collection.
type MongoTelemetryStore struct {
	Collection *mongo.Collection
}

var _ TelemetryStore = (*MongoTelemetryStore)(nil)

// EnsureIndexes creates the indexes the latest/history/since queries rely on.
func (c *MongoTelemetryStore) EnsureIndexes(ctx context.Context) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "maintenance_tier", Value: 1}}},
	})
	if err != nil {
		return unavailable("create telemetry indexes", err)
	}
	return nil
}

// Save inserts a telemetry sample into the collection.
func (c *MongoTelemetryStore) Save(ctx context.Context, sample models.TelemetrySample) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	if _, err := c.Collection.InsertOne(ctx, sample); err != nil {
		return unavailable("insert telemetry", err)
	}
	return nil
}

// Latest finds the most recent sample of a vehicle.
func (c *MongoTelemetryStore) Latest(ctx context.Context, vehicleID string) (*models.TelemetrySample, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	var sample models.TelemetrySample
	err := c.Collection.FindOne(ctx, bson.M{"vehicle_id": vehicleID}, opts).Decode(&sample)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, unavailable("find latest telemetry", err)
	}
	return &sample, nil
}

// LatestForAllVehicles groups samples by vehicle and keeps the newest of each.
func (c *MongoTelemetryStore) LatestForAllVehicles(ctx context.Context) ([]models.TelemetrySample, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "timestamp", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$vehicle_id"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "vehicle_id", Value: 1}}}},
	}
	cursor, err := c.Collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, unavailable("aggregate latest telemetry", err)
	}
	return decodeSamples(ctx, cursor)
}

// Since returns samples recorded at or after t, newest first.
func (c *MongoTelemetryStore) Since(ctx context.Context, t time.Time) ([]models.TelemetrySample, error) {
	return c.find(ctx, bson.M{"timestamp": bson.M{"$gte": t}}, -1)
}

// History returns every sample of a vehicle, newest first.
func (c *MongoTelemetryStore) History(ctx context.Context, vehicleID string) ([]models.TelemetrySample, error) {
	return c.find(ctx, bson.M{"vehicle_id": vehicleID}, -1)
}

// HistorySince returns a vehicle's samples at or after t, oldest first.
func (c *MongoTelemetryStore) HistorySince(ctx context.Context, vehicleID string, t time.Time) ([]models.TelemetrySample, error) {
	return c.find(ctx, bson.M{"vehicle_id": vehicleID, "timestamp": bson.M{"$gte": t}}, 1)
}

// CountByTier counts samples classified with the given tier.
func (c *MongoTelemetryStore) CountByTier(ctx context.Context, tier models.MaintenanceTier) (int64, error) {
	if c.Collection == nil {
		return 0, fmt.Errorf("mongo collection is nil")
	}
	n, err := c.Collection.CountDocuments(ctx, bson.M{"maintenance_tier": tier})
	if err != nil {
		return 0, unavailable("count telemetry by tier", err)
	}
	return n, nil
}

func (c *MongoTelemetryStore) find(ctx context.Context, filter bson.M, order int) ([]models.TelemetrySample, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: order}})
	cursor, err := c.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("find telemetry", err)
	}
	return decodeSamples(ctx, cursor)
}

func decodeSamples(ctx context.Context, cursor *mongo.Cursor) ([]models.TelemetrySample, error) {
	defer cursor.Close(ctx)
	samples := []models.TelemetrySample{}
	if err := cursor.All(ctx, &samples); err != nil {
		return nil, unavailable("decode telemetry", err)
	}
	return samples, nil
}

// MongoVehicleRegistry keeps vehicles and their cached snapshots in MongoDB.
type MongoVehicleRegistry struct {
	Collection *mongo.Collection
}

var _ VehicleRegistry = (*MongoVehicleRegistry)(nil)

// EnsureIndexes makes vehicle_id unique.
func (c *MongoVehicleRegistry) EnsureIndexes(ctx context.Context) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := c.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "vehicle_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return unavailable("create vehicle indexes", err)
	}
	return nil
}

// InsertVehicle inserts a vehicle record into the collection.
func (c *MongoVehicleRegistry) InsertVehicle(ctx context.Context, vehicle models.Vehicle) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	now := time.Now()
	if vehicle.CreatedAt.IsZero() {
		vehicle.CreatedAt = now
	}
	if vehicle.LastUpdated.IsZero() {
		vehicle.LastUpdated = now
	}
	if _, err := c.Collection.InsertOne(ctx, vehicle); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", vehicle.VehicleID, ErrVehicleExists)
		}
		return unavailable("insert vehicle", err)
	}
	return nil
}

// ListVehicles returns every registered vehicle ordered by vehicle_id.
func (c *MongoVehicleRegistry) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	if c.Collection == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	opts := options.Find().SetSort(bson.D{{Key: "vehicle_id", Value: 1}})
	cursor, err := c.Collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, unavailable("find vehicles", err)
	}
	defer cursor.Close(ctx)

	vehicles := []models.Vehicle{}
	if err := cursor.All(ctx, &vehicles); err != nil {
		return nil, unavailable("decode vehicles", err)
	}
	return vehicles, nil
}

// UpdateSnapshot mirrors the latest sample onto the vehicle document.
func (c *MongoVehicleRegistry) UpdateSnapshot(ctx context.Context, vehicleID string, update models.SnapshotUpdate) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	result, err := c.Collection.UpdateOne(ctx, bson.M{"vehicle_id": vehicleID}, bson.M{"$set": update})
	if err != nil {
		return unavailable("update vehicle snapshot", err)
	}
	if result.MatchedCount == 0 {
		return ErrVehicleNotFound
	}
	return nil
}
