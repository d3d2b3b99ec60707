package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/fleet-telemetry/internal/auth"
	"github.com/ukydev/fleet-telemetry/internal/bridge"
	"github.com/ukydev/fleet-telemetry/internal/config"
	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/distributor"
	"github.com/ukydev/fleet-telemetry/internal/fleet"
	"github.com/ukydev/fleet-telemetry/internal/handlers"
	"github.com/ukydev/fleet-telemetry/internal/middleware"
	"github.com/ukydev/fleet-telemetry/internal/scheduler"
)

const (
	shutdownTimeout = 5 * time.Second
	demoFleetSize   = 10

	tokenRateLimit  = 10
	tokenRateWindow = time.Minute
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Telemetry engine stopped")
	}
	log.Info("Telemetry engine stopped")
}

func setupLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("Unknown LOG_LEVEL, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// stores bundles the persistence adapters picked by STORE_DRIVER.
type stores struct {
	telemetry db.TelemetryStore
	registry  db.VehicleRegistry
	closers   []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}
	switch cfg.StoreDriver {
	case config.DriverMemory:
		registry := db.NewMemoryVehicleRegistry()
		rng := rand.New(rand.NewPCG(uint64(cfg.RandomSeed), uint64(cfg.RandomSeed)))
		fleet.Seed(ctx, registry, fleet.Generate(rng, demoFleetSize, time.Now()))
		s.registry = registry
		s.telemetry = db.NewMemoryTelemetryStore()
		return s, nil

	case config.DriverMongo, config.DriverPostgres:
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { disconnectMongo(client) })
		database := client.Database(cfg.MongoDB)

		registry := &db.MongoVehicleRegistry{Collection: database.Collection(db.VehicleCollectionName)}
		if err := registry.EnsureIndexes(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.registry = registry

		if cfg.StoreDriver == config.DriverMongo {
			telemetry := &db.MongoTelemetryStore{Collection: database.Collection(db.TelemetryCollectionName)}
			if err := telemetry.EnsureIndexes(ctx); err != nil {
				s.Close()
				return nil, err
			}
			s.telemetry = telemetry
			return s, nil
		}

		telemetry, err := db.NewPostgresTelemetryStore(ctx, cfg.PostgresURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, telemetry.Close)
		if err := telemetry.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.telemetry = telemetry
		return s, nil

	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func disconnectMongo(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.WithError(err).Warn("Failed to disconnect from MongoDB")
	}
}

func newRouter(cfg *config.Config, st *stores, d *distributor.Distributor) (http.Handler, error) {
	rc := handlers.RouterConfig{
		Telemetry: handlers.NewTelemetryHandler(st.telemetry, st.registry),
		Stream:    handlers.NewStreamHandler(d),
	}
	if cfg.AuthEnabled {
		authService := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
		rc.Auth = handlers.NewAuthHandler(authService, auth.Operator{
			Username:     cfg.OperatorUsername,
			PasswordHash: cfg.OperatorPasswordHash,
		})
		rc.AuthMiddleware = middleware.NewAuthMiddleware(authService)
		rc.RateLimiter = middleware.NewRateLimitMiddleware()
		if err := rc.RateLimiter.TrustProxies(cfg.TrustedProxies...); err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		rc.RateLimit = tokenRateLimit
		rc.RateWindow = tokenRateWindow
	}
	return handlers.NewRouter(rc), nil
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	log.WithField("addr", srv.Addr).Info("HTTP server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer st.Close()

	d := distributor.New(cfg.SubscriberBuffer)
	sched := scheduler.New(st.registry, st.telemetry, d, scheduler.Options{
		Interval:     cfg.TickInterval,
		Workers:      cfg.Workers,
		StoreTimeout: cfg.StoreTimeout,
		Seed:         cfg.RandomSeed,
		Logger:       log.StandardLogger(),
	})

	router, err := newRouter(cfg, st, d)
	if err != nil {
		return err
	}

	forwarders, closeBridges, err := connectBridges(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBridges()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, f := range forwarders {
		startBridge(ctx, g, d, f)
	}
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, srv) })

	log.WithFields(log.Fields{
		"store":    cfg.StoreDriver,
		"interval": cfg.TickInterval,
		"seed":     sched.Seed(),
		"auth":     cfg.AuthEnabled,
	}).Info("Telemetry engine started")
	return g.Wait()
}

// connectBridges dials every configured broker. Nothing is started until all
// of them are reachable; on error the ones already connected are closed.
func connectBridges(ctx context.Context, cfg *config.Config) ([]bridge.Forwarder, func(), error) {
	var (
		forwarders []bridge.Forwarder
		closers    []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.MQTTBroker != "" {
		client, err := bridge.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { client.Disconnect(250) })
		forwarders = append(forwarders, bridge.NewMQTTBridge(client, cfg.MQTTTopicRoot))
	}

	if cfg.RedisAddr != "" {
		client, err := bridge.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { closeRedis(client) })
		forwarders = append(forwarders, bridge.NewRedisBridge(client, 6*cfg.TickInterval))
	}

	return forwarders, closeAll, nil
}

func startBridge(ctx context.Context, g *errgroup.Group, d *distributor.Distributor, f bridge.Forwarder) {
	g.Go(func() error { return bridge.Run(ctx, d, f, log.StandardLogger()) })
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		log.WithError(err).Warn("Failed to close redis client")
	}
}
