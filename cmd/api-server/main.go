package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/CodingBot000/teleconsult/internal/api"
	"github.com/CodingBot000/teleconsult/internal/config"
	"github.com/CodingBot000/teleconsult/internal/db"
	"github.com/CodingBot000/teleconsult/internal/notify"
	redisclient "github.com/CodingBot000/teleconsult/internal/redis"
	"github.com/CodingBot000/teleconsult/internal/reservation"
	"github.com/CodingBot000/teleconsult/internal/session"
)

const version = "0.3.0"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api-server").Logger()
	logger.Info().Msg("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(rootCtx, 30*time.Second)
	err = db.Migrate(migrateCtx, pgPool)
	cancelMigrate()
	if err != nil {
		logger.Fatal().Err(err).Msg("schema migration error")
	}
	logger.Info().Msg("connected to Postgres")

	// Redis is optional: without it, status change events are dropped and
	// retried client calls surface as conflicts instead of no-ops.
	var rdb *redis.Client
	co := reservation.Collaborators{
		Notifier:    notify.NopDispatcher{},
		Idempotency: redisclient.NopIdempotencyGuard{},
	}
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.New(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing redis")
			}
		}()
		co.Notifier = notify.NewRedisDispatcher(rdb)
		co.Idempotency = redisclient.NewIdempotencyGuard(rdb, cfg.IdempotencyTTL)
		logger.Info().Msg("connected to Redis")
	}

	if cfg.RoomServiceURL != "" {
		co.Rooms = session.NewHTTPProvisioner(cfg.RoomServiceURL)
	} else {
		logger.Warn().Msg("no room service configured, sessions will not be provisioned")
	}

	repo := reservation.NewPgRepository(pgPool)

	router := api.NewRouter(api.RouterConfig{
		Patients:  reservation.NewPatientService(repo, co, logger),
		Providers: reservation.NewProviderService(repo, co, logger),
		PgPool:    pgPool,
		Redis:     rdb,
		Logger:    logger,
		Env:       cfg.Env,
		Version:   version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
