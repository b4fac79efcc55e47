package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/stocklinkhq/stocklink-backend/pkg/config"
	"github.com/stocklinkhq/stocklink-backend/pkg/instance"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "syncd"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "syncd",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})
	logg.Info(startCtx, "starting syncd")

	service, err := NewService(ctx, cfg, logg)
	if err != nil {
		logg.Error(startCtx, "failed to bootstrap syncd", err)
		os.Exit(1)
	}
	defer service.Close()

	if err := service.Run(ctx); err != nil && err != context.Canceled {
		logg.Error(startCtx, "syncd stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(startCtx, "syncd shut down gracefully")
}
