package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/CodingBot000/teleconsult/internal/reservation"
)

type RouterConfig struct {
	Patients  *reservation.PatientService
	Providers *reservation.ProviderService
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Logger    zerolog.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := NewHandler(cfg.Patients, cfg.Providers, cfg.Logger)

	// Reservation endpoints; every route below requires a verified caller.
	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)

		r.Post("/reservations", h.createReservation)
		r.Get("/reservations", h.listReservations)
		r.Get("/reservations/{id}", h.getReservation)
		r.Post("/reservations/{id}/response", h.respondToProposal)
		r.Post("/reservations/{id}/proposals", h.proposeAlternates)
		r.Post("/reservations/{id}/confirm", h.confirmReservation)
		r.Post("/reservations/{id}/cancel", h.cancelReservation)
		r.Post("/reservations/{id}/complete", h.completeReservation)
	})

	return r
}
