package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

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
	limit := flag.Int("limit", service.DefaultPushLimit, "Máximo de IOCs no evento")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: push-misp [-limit N] [artifact]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	artifact := flag.Arg(0)

	cfg, err := config.Load()
	logger := logging.Must(cfg.Log, "iochub-push-misp")
	defer logger.Sync()
	if err != nil {
		logger.Fatal("❌ Invalid configuration", zap.Error(err))
	}

	// Falha cedo: sem MISP configurado não há o que fazer
	client, err := misp.NewClient(cfg.MISP, cfg.Resilience, logger)
	if err != nil {
		logger.Fatal("❌ MISP not configured", zap.Error(err))
	}

	metrics.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, closeStore, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("❌ Error opening store", zap.Error(err))
	}
	defer closeStore()

	var n ports.Notifier
	if slackNotifier := notifier.NewSlackNotifier(cfg.Slack, logger); slackNotifier != nil {
		n = slackNotifier
	}

	result, err := service.NewMISPPusher(store, client, n, logger).Push(ctx, artifact, *limit)
	if err != nil {
		logger.Error("❌ MISP push failed", zap.Error(err))
		closeStore()
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
