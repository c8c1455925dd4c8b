// Command sinkd serves the development transcript receiver: an HTTP endpoint
// that accepts results from workers, deduplicates them by job ID and keeps a
// bounded window of recent deliveries for inspection.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/batchscribe/batchscribe/internal/config"
	"github.com/batchscribe/batchscribe/internal/logger"
	"github.com/batchscribe/batchscribe/internal/receiver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadSinkd()
	if err != nil {
		logger.NewDefault("sinkd").Fatal("configuration failed", logger.Fields("error", err.Error()))
	}
	log := logger.New(cfg.Logging, cfg.Name)

	srv := receiver.New(cfg.Receiver, log)
	if err := srv.Start(ctx); err != nil {
		log.Fatal("receiver start failed", logger.Fields("error", err.Error()))
	}

	<-ctx.Done()

	if err := srv.Stop(context.Background()); err != nil {
		log.Error("receiver shutdown failed", logger.Fields("error", err.Error()))
	}
}
