// Command weather-shipper polls weather sources on an interval and ships the
// normalized observations to a Logz.io listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/weather-shipper/internal/api/http"
	"github.com/i474232898/weather-shipper/internal/common"
	"github.com/i474232898/weather-shipper/internal/config"
	"github.com/i474232898/weather-shipper/internal/logging"
	"github.com/i474232898/weather-shipper/internal/metrics"
	"github.com/i474232898/weather-shipper/internal/retry"
	"github.com/i474232898/weather-shipper/internal/scheduler"
	"github.com/i474232898/weather-shipper/internal/shipper"
	"github.com/i474232898/weather-shipper/internal/store"
	"github.com/i474232898/weather-shipper/internal/weather"
	"github.com/i474232898/weather-shipper/internal/weather/providers"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "weather-shipper",
		Short:         "Poll weather sources and ship observations to Logz.io",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			once, _ := cmd.Flags().GetBool("once")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, envFile, once)
		},
	}

	rootCmd.Flags().String("env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.Flags().Bool("once", false, "run a single cycle and exit")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "weather-shipper:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile string, once bool) error {
	loaded, err := config.LoadEnvFile(envFile)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if !loaded {
		logger.Info("no env file loaded", zap.String("path", envFile))
	}

	// Shared HTTP client for providers and the shipper.
	httpClient := common.NewHTTPClient(cfg.HTTPTimeout)
	m := metrics.New()

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries

	sources := providers.Build(cfg, providers.Deps{
		Client:  httpClient,
		Logger:  logger,
		Metrics: m,
		Policy:  &policy,
	})
	if len(sources) == 0 {
		logger.Warn("no sources enabled; cycles will ship nothing")
	}

	svc := weather.NewService(weather.ServiceConfig{
		Sources: sources,
		Cities:  cfg.Cities,
		Shipper: shipper.New(httpClient, cfg.IngestURL(), shipper.Options{
			Timeout: cfg.ShipTimeout,
			Policy:  policy,
			Logger:  logger,
			Metrics: m,
		}),
		Store:    store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge),
		Recorder: m,
		Logger:   logger,
	})

	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	logger.Info("starting weather-shipper",
		zap.String("version", version),
		zap.Strings("sources", names),
		zap.Int("cities", len(cfg.Cities)),
		zap.String("listener", cfg.LogzListener),
		zap.Duration("interval", cfg.PollingInterval))

	sched := scheduler.New(svc, cfg.PollingInterval, logger)
	if once {
		return shutdownErr(ctx, sched.RunOnce(ctx), logger)
	}

	if cfg.StatusEnabled {
		app := httpapi.NewApp()
		httpapi.RegisterRoutes(app, svc, m)

		go func() {
			if err := app.Listen(":" + cfg.Port); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				logger.Warn("error during status server shutdown", zap.Error(err))
			}
		}()
	}

	return shutdownErr(ctx, sched.Run(ctx), logger)
}

// shutdownErr maps a cancellation caused by a shutdown signal to a clean exit.
func shutdownErr(ctx context.Context, err error, logger *zap.Logger) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("shutdown requested, exiting")
		return nil
	}
	return err
}
