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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-offline-sync/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-offline-sync/internal/config"
	"github.com/wolfman30/clinic-offline-sync/internal/intake"
	"github.com/wolfman30/clinic-offline-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := bootstrap.BuildLogger(cfg)
	logger.Info("starting intake API server",
		"env", cfg.Env,
		"port", cfg.IntakePort,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		logger.Error("intake api requires a reachable DATABASE_URL")
		os.Exit(1)
	}
	defer pool.Close()

	metricsHandler, intakeMetrics := setupIntakeMetrics()
	handler := intake.NewHandler(intake.NewPostgresRepository(pool), intakeMetrics, logger)
	if cfg.ServiceJWTSecret == "" {
		logger.Warn("SERVICE_JWT_SECRET not set; replay endpoints are unauthenticated")
	}
	r := intake.NewRouter(&intake.RouterConfig{
		Logger:         logger,
		Handler:        handler,
		JWTSecret:      cfg.ServiceJWTSecret,
		JWTIssuer:      cfg.ServiceJWTIssuer,
		RatePerSecond:  float64(cfg.IntakeRatePerSecond),
		RateBurst:      cfg.IntakeRateBurst,
		MetricsHandler: metricsHandler,
		DB:             pool,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.IntakePort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func setupIntakeMetrics() (http.Handler, *metrics.IntakeMetrics) {
	registry := prometheus.NewRegistry()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), metrics.NewIntakeMetrics(registry)
}

// connectPostgresPool returns nil when the URL is empty or the database is
// unreachable.
func connectPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	if databaseURL == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		pool.Close()
		return nil
	}
	return pool
}
