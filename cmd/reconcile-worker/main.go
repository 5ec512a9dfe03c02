package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/captcha"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/patient"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

const lockKey = "lock:reconcile"

type worker struct {
	locker    redisclient.Locker
	bookings  *booking.Service
	generator *schedule.Generator
	logger    zerolog.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Msg("reconcile-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Error().Err(err).Msg("postgres connection error")
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Error().Err(err).Msg("redis connection error")
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	w := &worker{
		locker: redisclient.NewRedisLocker(rdb, cfg.ReconcileLockTTL),
		bookings: booking.NewService(
			booking.NewPgLedger(pgPool, cfg.LockTimeout),
			patient.NewPgRepository(pgPool),
			captcha.NewRecaptchaVerifier(cfg.RecaptchaSecret, cfg.RecaptchaVerifyURL),
			cfg,
			logger,
		),
		generator: schedule.NewGenerator(schedule.NewPgRepository(pgPool), cfg.ScheduleWeeksAhead, cfg.DefaultMaxAppointments, logger),
		logger:    logger,
	}

	// Run once at startup
	w.runOnce(rootCtx)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			w.runOnce(rootCtx)
		}
	}
}

// runOnce repairs stale slot flags from yesterday onward and tops up weekly
// sessions. Only one worker in the fleet runs it per tick.
func (w *worker) runOnce(ctx context.Context) {
	start := time.Now()

	err := w.locker.WithLock(ctx, lockKey, func(ctx context.Context) error {
		now := time.Now()

		changed, err := w.bookings.ReconcileSchedules(ctx, now.AddDate(0, 0, -1))
		if err != nil {
			return err
		}

		created, err := w.generator.EnsureAll(ctx, now)
		if err != nil {
			return err
		}

		w.logger.Info().
			Int("reconciled", changed).
			Int("sessions_created", created).
			Dur("duration", time.Since(start)).
			Msg("reconcile run complete")
		return nil
	})

	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		w.logger.Debug().Msg("another worker holds the reconcile lock, skipping")
	case err != nil:
		w.logger.Error().Err(err).Msg("reconcile run error")
	}
}
