package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hive-corporation/iochub/internal/adapter/handler"
	"github.com/hive-corporation/iochub/internal/adapter/repository"
	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/logging"
	"github.com/hive-corporation/iochub/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	logger := logging.Must(cfg.Log, "iochub-grpc")
	defer logger.Sync()
	if err != nil {
		logger.Fatal("❌ Invalid configuration", zap.Error(err))
	}

	metrics.Init()

	store, closeStore, err := repository.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		logger.Fatal("❌ Unable to open store", zap.Error(err))
	}
	defer closeStore()

	lis, err := net.Listen("tcp", cfg.GRPC.ListenAddr)
	if err != nil {
		logger.Fatal("❌ failed to listen", zap.String("addr", cfg.GRPC.ListenAddr), zap.Error(err))
	}

	s := grpc.NewServer()
	handler.RegisterIOCHubServer(s, handler.NewGrpcServer(store, logger))

	go func() {
		logger.Info("🚀 IOC Hub gRPC API listening", zap.String("addr", cfg.GRPC.ListenAddr))
		if err := s.Serve(lis); err != nil {
			logger.Fatal("❌ failed to serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down server...")
	s.GracefulStop()
}
