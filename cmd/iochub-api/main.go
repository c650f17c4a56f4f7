package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/adapter/handler"
	"github.com/hive-corporation/iochub/internal/adapter/misp"
	"github.com/hive-corporation/iochub/internal/adapter/notifier"
	"github.com/hive-corporation/iochub/internal/adapter/repository"
	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/core/service"
	"github.com/hive-corporation/iochub/internal/logging"
	"github.com/hive-corporation/iochub/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	logger := logging.Must(cfg.Log, "iochub-api")
	defer logger.Sync()
	if err != nil {
		logger.Fatal("❌ Invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	store, closeStore, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("❌ Failed to open store", zap.Error(err))
	}
	defer closeStore()

	// Slack notifier (optional - only if token configured)
	var n ports.Notifier
	if slackNotifier := notifier.NewSlackNotifier(cfg.Slack, logger); slackNotifier != nil {
		n = slackNotifier
		logger.Info("✅ Slack notifier enabled")
	} else {
		logger.Warn("⚠️  Slack notifier disabled (no SLACK_BOT_TOKEN)")
	}

	metrics.Init()
	logger.Info("✅ Prometheus metrics initialized")

	// MISP push answers 503 until MISP_URL and MISP_API_KEY are set
	publisher := misp.NewPublisher(cfg.MISP, cfg.Resilience, logger)
	pusher := service.NewMISPPusher(store, publisher, n, logger)

	router := mux.NewRouter()
	handler.NewRestHandler(store, pusher, logger).Register(router)

	// Metrics endpoint (requires authentication)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(handler.LoggingMiddleware(logger))
	router.Use(handler.AuthMiddleware(cfg.HTTP.AuthToken, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("🚀 IOC Hub REST API listening", zap.String("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("❌ Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("❌ Server forced to shutdown", zap.Error(err))
		return
	}

	logger.Info("✅ Server stopped gracefully")
}
