package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/TrackLedger/config"
	"github.com/BearBump/TrackLedger/internal/logger"
	"github.com/pkg/errors"
)

func main() {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse error, %v", err))
	}
	if p := os.Getenv("swaggerPath"); p != "" {
		cfg.Ledger.SwaggerPath = p
	}

	logger.Setup(cfg.Ledger.LogLevel, cfg.Ledger.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunLedgerWorker(ctx, cfg, defaultWorkerFactories()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("ledger worker stopped", "error", err.Error())
		os.Exit(1)
	}
}
