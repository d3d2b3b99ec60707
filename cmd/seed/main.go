package main

import (
	"context"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/auth"
	"github.com/ukydev/fleet-telemetry/internal/config"
	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/fleet"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

const defaultFleetSize = 10

func fleetSize() int {
	if val := os.Getenv("FLEET_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return defaultFleetSize
}

func seedRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1))
}

func seed(ctx context.Context, registry db.VehicleRegistry, n int, rng *rand.Rand) int {
	return fleet.Seed(ctx, registry, fleet.Generate(rng, n, time.Now()))
}

// viewerToken issues a long lived read-only token for wall displays.
func viewerToken(cfg *config.Config) (string, error) {
	token, _, err := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry).GenerateToken("dashboard", models.RoleViewer)
	return token, err
}

// operatorHash turns OPERATOR_PASSWORD into a value for OPERATOR_PASSWORD_HASH.
func operatorHash() (string, bool, error) {
	password := os.Getenv("OPERATOR_PASSWORD")
	if password == "" {
		return "", false, nil
	}
	hash, err := auth.HashPassword(password)
	return hash, true, err
}

func main() {
	cfg := config.Load()
	n := fleetSize()

	log.WithFields(log.Fields{
		"fleet_size": n,
		"mongo_db":   cfg.MongoDB,
	}).Info("Seeding demo fleet")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer client.Disconnect(context.Background())

	registry := &db.MongoVehicleRegistry{Collection: client.Database(cfg.MongoDB).Collection(db.VehicleCollectionName)}
	if err := registry.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Fatal("Failed to create vehicle indexes")
	}

	if created := seed(ctx, registry, n, seedRand(cfg.RandomSeed)); created == 0 {
		log.Warn("No vehicles created. They may already be registered.")
	}

	if hash, ok, err := operatorHash(); err != nil {
		log.WithError(err).Error("Failed to hash operator password")
	} else if ok {
		log.WithField("operator_password_hash", hash).Info("Set OPERATOR_PASSWORD_HASH to enable operator login")
	}

	if cfg.AuthEnabled {
		token, err := viewerToken(cfg)
		if err != nil {
			log.WithError(err).Error("Failed to issue dashboard token")
			return
		}
		log.WithField("token", token).Info("Dashboard viewer token")
	}
}
