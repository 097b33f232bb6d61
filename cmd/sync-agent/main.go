package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-offline-sync/cmd/mainconfig"
	"github.com/wolfman30/clinic-offline-sync/internal/agentapi"
	"github.com/wolfman30/clinic-offline-sync/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-offline-sync/internal/config"
	"github.com/wolfman30/clinic-offline-sync/internal/connectivity"
	"github.com/wolfman30/clinic-offline-sync/internal/notify"
	"github.com/wolfman30/clinic-offline-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-offline-sync/internal/store"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	if cfg.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceID = host
		}
	}

	logger := bootstrap.BuildLogger(cfg)
	logger.Info("starting clinic sync agent",
		"env", cfg.Env,
		"port", cfg.AgentPort,
		"data_dir", cfg.DataDir,
		"backend", cfg.BackendBaseURL,
		"device_id", cfg.DeviceID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sync agent failed", "error", err)
		os.Exit(1)
	}
	logger.Info("sync agent stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	st := store.New(cfg.StorePath(), store.WithLogger(logger))
	if err := st.Open(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	metricsHandler, syncMetrics := setupSyncMetrics()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
		logger.Info("shared cache tier enabled", "addr", cfg.RedisAddr)
	}
	readThrough := bootstrap.BuildCache(cfg, st, redisClient, syncMetrics, logger)

	replayer, err := bootstrap.BuildReplayer(cfg, logger)
	if err != nil {
		return err
	}

	state := connectivity.NewState(false)
	hub := notify.NewHub(logger, cfg.CORSAllowedOrigins)
	mgr := bootstrap.BuildManager(cfg, st, replayer, state, syncMetrics, logger).
		WithInvalidator(readThrough).
		OnSynced(hub.ItemSynced).
		OnPermanentFailure(hub.PermanentFailure).
		OnPassComplete(hub.PassCompleted)

	var awsCfg *aws.Config
	if cfg.DeadLetterQueueURL != "" || (cfg.AlertEmailTo != "" && cfg.EmailProvider == "ses") {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &loaded
	}
	if cfg.DeadLetterQueueURL != "" {
		deadLetters := notify.NewDeadLetterPublisher(sqs.NewFromConfig(*awsCfg), cfg.DeadLetterQueueURL, cfg.DeviceID, logger)
		mgr.OnPermanentFailure(deadLetters.Handle)
		logger.Info("dead letter export enabled", "queue_url", cfg.DeadLetterQueueURL)
	}
	if sender := bootstrap.BuildEmailSender(cfg, awsCfg, logger); sender != nil {
		alerter := notify.NewFailureAlerter(sender, cfg.AlertEmailTo, cfg.DeviceID, logger)
		mgr.OnPermanentFailure(alerter.Record).OnPassComplete(alerter.Flush)
		logger.Info("failure alert emails enabled", "provider", cfg.EmailProvider, "to", cfg.AlertEmailTo)
	}

	prober := connectivity.NewProber(cfg.HealthURL, state, logger).
		WithInterval(cfg.ProbeInterval).
		WithTimeout(cfg.ProbeTimeout)
	trigger := connectivity.NewTrigger(mgr, state, logger).WithInterval(cfg.SyncInterval)

	handler := agentapi.NewHandler(st, mgr, state, logger).
		WithCache(readThrough, cfg.BackendBaseURL, nil)
	router := agentapi.NewRouter(&agentapi.Config{
		Logger:             logger,
		Handler:            handler,
		WebSocket:          http.HandlerFunc(hub.ServeWS),
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         "127.0.0.1:" + cfg.AgentPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.ReplayTimeout,
		IdleTimeout:  60 * time.Second,
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(workerCtx)
		}()
	}
	start(hub.Run)
	start(trigger.Run)
	start(prober.Run)
	start(func(ctx context.Context) { relayConnectivity(ctx, state, hub, logger) })
	start(func(ctx context.Context) { sweepExpired(ctx, st, cfg.CacheSweepInterval, logger) })

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("agent api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	}

	logger.Info("shutting down sync agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("agent api forced to shutdown", "error", err)
	}

	// Last chance to flush while the page equivalent goes away.
	teardownCtx, cancelTeardown := context.WithTimeout(context.Background(), cfg.TeardownTimeout)
	res := trigger.Teardown(teardownCtx)
	cancelTeardown()
	logger.Info("teardown sync finished", "synced", res.Synced, "failed", res.Failed, "offline", res.Offline)

	cancelWorkers()
	wg.Wait()
	return runErr
}

func setupSyncMetrics() (http.Handler, *metrics.SyncMetrics) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), metrics.NewSyncMetrics(registry)
}

type onlineSubscriber interface {
	Subscribe() (<-chan bool, func())
}

type connectivityListener interface {
	ConnectivityChanged(online bool)
}

// relayConnectivity pushes every transition to websocket clients.
func relayConnectivity(ctx context.Context, state onlineSubscriber, listener connectivityListener, logger *logging.Logger) {
	updates, unsubscribe := state.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-updates:
			if !ok {
				return
			}
			logger.Info("connectivity changed", "online", online)
			listener.ConnectivityChanged(online)
		}
	}
}

type expiredCleaner interface {
	CleanExpiredData(ctx context.Context) (int, error)
}

// sweepExpired clears expired cache rows while no pass runs, e.g. offline.
func sweepExpired(ctx context.Context, cleaner expiredCleaner, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := cleaner.CleanExpiredData(ctx)
			if err != nil {
				logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("cache sweep removed entries", "count", n)
			}
		}
	}
}
