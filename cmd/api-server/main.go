package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/captcha"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/patient"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "api-server",
		Short:        "Clinic appointment booking API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Env, cfg.LogLevel)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info().Int("applied", applied).Msg("migrations complete")
			return nil
		},
	}
}

// tokenCmd mints a bearer token for local testing and the load simulator.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			idNumber, _ := cmd.Flags().GetString("id-number")
			birth, _ := cmd.Flags().GetString("birth-date")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthJWTSecret == "" {
				return errors.New("AUTH_JWT_SECRET is not set")
			}

			var birthDate time.Time
			if birth != "" {
				birthDate, err = time.Parse(time.DateOnly, birth)
				if err != nil {
					return fmt.Errorf("birth-date: %w", err)
				}
			}

			token, err := api.SignToken([]byte(cfg.AuthJWTSecret), patient.NormalizeIDNumber(idNumber), birthDate, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("id-number", "", "Patient national ID")
	cmd.Flags().String("birth-date", "", "Patient birth date (YYYY-MM-DD)")
	cmd.Flags().String("role", "patient", "patient or admin")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Int("safety_margin", cfg.SafetyMargin).
		Dur("lock_timeout", cfg.LockTimeout).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection error: %w", err)
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	if migrate {
		applied, err := db.Migrate(rootCtx, pgPool)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations complete")
	}

	// Redis only holds captcha passes here, so serve without it: passes fall
	// back to a fresh captcha and readiness reports degraded.
	rdb := redisclient.NewClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	if err := redisclient.Ping(rootCtx, rdb); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, starting degraded")
	} else {
		logger.Info().Msg("connected to Redis")
	}

	m := metrics.New()
	patients := patient.NewPgRepository(pgPool)
	svc := booking.NewService(
		booking.NewPgLedger(pgPool, cfg.LockTimeout),
		patients,
		captcha.NewRecaptchaVerifier(cfg.RecaptchaSecret, cfg.RecaptchaVerifyURL),
		cfg,
		logger,
		booking.WithObserver(m),
		booking.WithRegistrar(patients),
	)

	router := api.NewRouter(api.RouterConfig{
		Bookings:  svc,
		Patients:  patients,
		Directory: schedule.NewPgRepository(pgPool),
		Passes:    redisclient.NewCaptchaPassStore(rdb, cfg.CaptchaPassTTL),
		Metrics:   m,
		Health:    api.NewHealthHandler(pgPool.Ping, redisclient.PingCheck(rdb), cfg.Env, version),
		JWTSecret: []byte(cfg.AuthJWTSecret),
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return serve(rootCtx, srv, cfg.ShutdownTimeout, logger)
}

// serve runs srv until ctx is cancelled, then drains in-flight requests for
// at most shutdownTimeout.
func serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
