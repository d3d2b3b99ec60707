package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ukydev/fleet-telemetry/internal/metrics"
	"github.com/ukydev/fleet-telemetry/internal/middleware"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

// RouterConfig collects what the HTTP surface is built from. A nil
// AuthMiddleware serves every route without authentication.
type RouterConfig struct {
	Telemetry      *TelemetryHandler
	Stream         *StreamHandler
	Auth           *AuthHandler
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimitMiddleware
	RateLimit      int
	RateWindow     time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if cfg.Auth != nil {
		token := http.Handler(http.HandlerFunc(cfg.Auth.Token))
		if cfg.RateLimiter != nil {
			token = cfg.RateLimiter.RateLimit(cfg.RateLimit, cfg.RateWindow)(token)
		}
		r.Handle("/api/auth/token", token).Methods(http.MethodPost)
	}

	if cfg.Telemetry != nil {
		cfg.Telemetry.Register(r)
	}

	if cfg.Stream != nil {
		fleet := http.Handler(http.HandlerFunc(cfg.Stream.ServeFleet))
		if cfg.AuthMiddleware != nil {
			fleet = cfg.AuthMiddleware.RequireRole(models.RoleOperator)(fleet)
		}
		r.Handle("/ws/telemetry", fleet)
		r.HandleFunc("/ws/telemetry/{vehicleId}", cfg.Stream.ServeVehicle)
	}

	if cfg.AuthMiddleware != nil {
		r.Use(cfg.AuthMiddleware.Authenticate)
	}
	return r
}
