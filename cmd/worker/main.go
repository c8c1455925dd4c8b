// Command worker consumes work items from the queue one at a time, invokes
// the transcription engine for each and delivers results to the sink. It
// runs until interrupted; a delivery in flight at shutdown is completed and
// acknowledged before the process exits.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/batchscribe/batchscribe/internal/config"
	"github.com/batchscribe/batchscribe/internal/logger"
	"github.com/batchscribe/batchscribe/internal/metering"
	"github.com/batchscribe/batchscribe/internal/queue"
	"github.com/batchscribe/batchscribe/internal/sink"
	"github.com/batchscribe/batchscribe/internal/transcribe"
	"github.com/batchscribe/batchscribe/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.NewDefault("worker").Fatal("configuration failed", logger.Fields("error", err.Error()))
	}
	log := logger.New(cfg.Logging, cfg.Name)

	recorder, err := metering.Init(ctx, cfg.Metering, cfg.Name)
	if err != nil {
		log.Fatal("metering setup failed", logger.Fields("error", err.Error()))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Shutdown(shutdownCtx); err != nil {
			log.Warn("metering shutdown failed", logger.Fields("error", err.Error()))
		}
	}()

	consumer, err := queue.NewConsumer(cfg.Queue, log)
	if err != nil {
		log.Fatal("consumer setup failed", logger.Fields("error", err.Error()))
	}
	defer consumer.Close()

	var usage worker.UsageRecorder
	if recorder != nil {
		usage = recorder
	}

	w := worker.New(
		consumer,
		transcribe.NewInvoker(cfg.Engine),
		sink.NewClient(cfg.Sink),
		usage,
		worker.Config{},
		log,
	)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker stopped", logger.Fields("error", err.Error()))
	}
}
