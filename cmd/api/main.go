package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"renderbus/internal/config"
	"renderbus/internal/infrastructure"
	"renderbus/internal/logger"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx, cfg, zlog)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		zlog.Fatal("bootstrap failed", zap.Error(err))
	}

	zlog.Info("renderbus starting")
	if err := app.Run(ctx); err != nil {
		zlog.Fatal("application error", zap.Error(err))
	}
	zlog.Info("renderbus stopped")
}
