package cli

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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/audio"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/dispatcher"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/httpapi"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/leasestore"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/queue"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/reconciler"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/statsstore"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/upstream"
	"github.com/ramiqadoumi/audio-task-dispatch/pkg/telemetry"
	"github.com/ramiqadoumi/audio-task-dispatch/services/middleware/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background reconciler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen-port", "8010", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("upstream-base-url", "", "annotation store base URL")
	serveCmd.Flags().String("upstream-api-key", "", "annotation store API key")
	serveCmd.Flags().Int64("project-id", 0, "annotation store project ID")
	serveCmd.Flags().String("kv-url", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("sql-url", "", "PostgreSQL DSN")
	serveCmd.Flags().String("media-root", "./media", "directory containing audio files")
	serveCmd.Flags().String("api-key", "", "shared secret required on X-API-Key")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing; empty disables tracing")

	bindFlag("listen_port", serveCmd.Flags(), "listen-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("upstream_base_url", serveCmd.Flags(), "upstream-base-url")
	bindFlag("upstream_api_key", serveCmd.Flags(), "upstream-api-key")
	bindFlag("project_id", serveCmd.Flags(), "project-id")
	bindFlag("kv_url", serveCmd.Flags(), "kv-url")
	bindFlag("sql_url", serveCmd.Flags(), "sql-url")
	bindFlag("media_root", serveCmd.Flags(), "media-root")
	bindFlag("api_key", serveCmd.Flags(), "api-key")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := "middleware-" + uuid.New().String()[:8]
	logger := buildLogger(cfg.LogLevel, "middleware").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "middleware", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	redisClient := leasestore.NewClient(cfg.RedisAddr, cfg.KVTimeout, cfg.KVTimeout, cfg.KVTimeout)
	defer func() { _ = redisClient.Close() }()
	leases := leasestore.New(redisClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := statsstore.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	stats := statsstore.New(pool, cfg.SQLTimeout)

	up := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.ProjectID, cfg.UpstreamTimeout, upstream.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
	})

	q := queue.New(redisClient, leases)

	d := dispatcher.New(leases, up, stats, q, dispatcher.Config{
		LeaseTTL:      cfg.LeaseTTL,
		CooldownTTL:   cfg.CooldownTTL,
		RatePerSecond: cfg.RatePerSecond,
	}, logger)

	streamer := audio.New(leases, up, cfg.MediaRoot)

	recon := reconciler.New(up, q, cfg.SyncInterval, logger)
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	// The first reconciliation completes before the HTTP server starts, so
	// counter queries never see an unpopulated CachedCounters snapshot.
	recon.Tick(runCtx)
	go recon.Run(runCtx)

	handlers := httpapi.New(d, streamer, cfg.ProjectID)
	router := httpapi.NewRouter(handlers, cfg.APIKey, logger)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.ListenPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("middleware HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
