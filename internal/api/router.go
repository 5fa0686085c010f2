package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
)

type RouterConfig struct {
	Service *appointment.Service
	PgPool  *pgxpool.Pool // nil with the memory storage driver
	Redis   *redis.Client // nil when slot locking is disabled
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	logger := cfg.Logger.With().Str("component", "api").Logger()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))

	// Health endpoints
	static := map[string]string{}
	var checks []DependencyCheck
	if cfg.PgPool != nil {
		checks = append(checks, PostgresCheck(cfg.PgPool))
	} else {
		static["storage"] = "memory"
	}
	if cfg.Redis != nil {
		checks = append(checks, RedisCheck(cfg.Redis))
	} else {
		static["redis"] = "disabled"
	}
	health := NewHealthHandler(cfg.Env, cfg.Version, static, checks...)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/doctors/{id}/slots", freeSlotsHandler(cfg.Service, logger))

	// Appointment endpoints
	r.Post("/appointments", createAppointmentHandler(cfg.Service, logger))
	r.Get("/appointments", listAppointmentsHandler(cfg.Service, logger))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service, logger))
	r.Post("/appointments/{id}/transition", transitionAppointmentHandler(cfg.Service, logger))

	r.Post("/visits", createVisitHandler(cfg.Service, logger))
	r.Get("/visits/{id}", getVisitHandler(cfg.Service, logger))

	return r
}
