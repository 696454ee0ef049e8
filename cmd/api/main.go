package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/api"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/config"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/delivery"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/jobs"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/lock"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/logging"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/payment"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/ratelimit"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/store"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fieldjobs",
		Short:        "Field job lifecycle console",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "YAML config file (overrides CONFIG_FILE)")
	root.AddCommand(serveCmd(), migrateCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return config.Config{}, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Backend, error) {
	return store.Open(ctx, cfg.DatastoreDriver, cfg.DatastoreDSN, store.PoolOptions{MaxConns: int32(cfg.DBMaxConns)})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply datastore migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			logger.Info("migrations.applied", "driver", cfg.DatastoreDriver)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the payment collector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	var (
		locker  payment.Locker
		limiter api.RateLimiter
	)
	if cfg.RedisAddr != "" {
		rdb := lock.NewClient(lock.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		locker = lock.NewRedisLock(rdb, "fieldjobs:")
		limiter = ratelimitFor(rdb, cfg)
	} else {
		logger.Warn("redis.disabled", "reason", "REDIS_ADDR is empty; no rate limiting or cross-replica collector lock")
	}

	var notifier jobs.Notifier
	if cfg.NotifierURL != "" {
		var links delivery.Linker
		if cfg.ReportsBucket != "" {
			presigner, err := delivery.NewS3Presigner(ctx, delivery.S3Options{
				Bucket:    cfg.ReportsBucket,
				Region:    cfg.S3Region,
				Endpoint:  cfg.S3Endpoint,
				PathStyle: cfg.S3PathStyle,
				TTL:       cfg.PresignTTL,
			})
			if err != nil {
				return fmt.Errorf("s3 presigner: %w", err)
			}
			links = presigner
		}
		notifier = delivery.NewHTTPNotifier(cfg.NotifierURL, cfg.NotifierTimeout, links, logger)
	} else {
		logger.Warn("delivery.disabled", "reason", "NOTIFIER_URL is empty; deliver will fail")
	}

	svc := jobs.NewService(st, notifier, logger)
	processor := payment.NewHTTPProcessor(cfg.ProcessorURL, cfg.ProcessorAPIKey, cfg.ProcessorTimeout)
	payments := payment.NewManager(svc, processor, locker, payment.Options{
		PollInterval:   cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		BackoffInitial: cfg.PollBackoffInitial,
		BackoffMax:     cfg.PollBackoffMax,
		LockTTL:        cfg.LockTTL,
	}, logger)
	defer payments.Shutdown()

	server := api.New(svc, payments, limiter, cfg.WebhookToken, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("api.listening", "addr", httpServer.Addr, "driver", cfg.DatastoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics.listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listen: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("api.stopped")
	return err
}

func ratelimitFor(rdb *redis.Client, cfg config.Config) api.RateLimiter {
	if cfg.RateLimitCapacity <= 0 {
		return nil
	}
	return ratelimit.New(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
}
