package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/CodingBot000/teleconsult/internal/config"
	"github.com/CodingBot000/teleconsult/internal/db"
	"github.com/CodingBot000/teleconsult/internal/notify"
	redisclient "github.com/CodingBot000/teleconsult/internal/redis"
	"github.com/CodingBot000/teleconsult/internal/reservation"
)

// The completion worker sweeps settled reservations whose scheduled time has
// passed and marks them completed on behalf of the system.
func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "completion-worker").Logger()
	logger.Info().Msg("completion-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("completion_lag", cfg.CompletionLag).
		Msg("running completion worker")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	co := reservation.Collaborators{
		Notifier: notify.NopDispatcher{},
	}
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.New(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing redis")
			}
		}()
		co.Notifier = notify.NewRedisDispatcher(rdb)
		logger.Info().Msg("connected to Redis")
	}

	repo := reservation.NewPgRepository(pgPool)
	svc := reservation.NewProviderService(repo, co, logger)

	// Run once at startup
	runOnce(rootCtx, logger, svc, cfg.CompletionLag)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping completion worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, logger, svc, cfg.CompletionLag)
		}
	}
}

func runOnce(ctx context.Context, logger zerolog.Logger, svc *reservation.ProviderService, lag time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	if err := svc.CompleteElapsed(runCtx, time.Now().Add(-lag)); err != nil {
		logger.Error().Err(err).Msg("completion run error")
		return
	}
	logger.Info().Dur("took", time.Since(start)).Msg("completion run complete")
}
