package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/adapter/notifier"
	"github.com/hive-corporation/iochub/internal/adapter/provider"
	"github.com/hive-corporation/iochub/internal/adapter/repository"
	"github.com/hive-corporation/iochub/internal/adapter/resilience"
	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/core/service"
	"github.com/hive-corporation/iochub/internal/logging"
	"github.com/hive-corporation/iochub/internal/metrics"
)

func main() {
	terms := flag.String("terms", "", "Termos de busca separados por vírgula (default: HARVEST_TERMS)")
	ecosystem := flag.String("ecosystem", "", "Ecossistema (npm, pypi, ...; default: HARVEST_ECOSYSTEM)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Tempo máximo da coleta")
	flag.Parse()

	cfg, err := config.Load()
	logger := logging.Must(cfg.Log, "iochub-ingester")
	defer logger.Sync()
	if err != nil {
		logger.Fatal("❌ Invalid configuration", zap.Error(err))
	}

	if *terms != "" {
		cfg.Harvest.Terms = config.SplitTerms(*terms)
	}
	if *ecosystem != "" {
		cfg.Harvest.Ecosystem = *ecosystem
	}
	if len(cfg.Harvest.Terms) == 0 {
		logger.Fatal("❌ No harvest terms configured")
	}

	metrics.Init()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("❌ Error opening store", zap.Error(err))
	}
	defer closeStore()

	httpClient := resilience.NewClient("osm", cfg.OSM.Timeout, cfg.Resilience, logger)
	source, err := provider.NewOSMClient(cfg.OSM, httpClient, logger)
	if err != nil {
		logger.Fatal("❌ Invalid OSM configuration", zap.Error(err))
	}
	if cfg.OSM.APIKey == "" {
		logger.Warn("⚠️ OSM_API_KEY not set. Requests will be anonymous.")
	}

	var n ports.Notifier
	if slackNotifier := notifier.NewSlackNotifier(cfg.Slack, logger); slackNotifier != nil {
		n = slackNotifier
		logger.Info("✅ Slack notifier enabled")
	}

	logger.Info("🚀 IOC harvest started...",
		zap.Strings("terms", cfg.Harvest.Terms),
		zap.String("ecosystem", cfg.Harvest.Ecosystem))

	report, err := service.NewHarvester(source, store, n, logger).Run(ctx, cfg.Harvest.Terms, cfg.Harvest.Ecosystem)
	for _, tr := range report.Terms {
		logger.Info("[OK] term", zap.String("term", tr.Term), zap.Int("iocs", tr.Harvested))
	}
	logger.Info("TOTAL",
		zap.Int("iocs", report.Harvested),
		zap.Int("skipped", report.Skipped),
		zap.Int("skipped_artifacts", report.SkippedArtifacts))

	if err != nil {
		logger.Error("❌ Harvest finished with errors", zap.Error(err))
		closeStore()
		os.Exit(1)
	}
}
