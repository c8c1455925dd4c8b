// Command producer runs one batch: it lists the source bucket, mints a
// presigned reference per audio object and publishes one work item per
// reference onto the durable work queue, then exits.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/batchscribe/batchscribe/internal/config"
	"github.com/batchscribe/batchscribe/internal/logger"
	"github.com/batchscribe/batchscribe/internal/objectstore"
	"github.com/batchscribe/batchscribe/internal/producer"
	"github.com/batchscribe/batchscribe/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadProducer()
	if err != nil {
		logger.NewDefault("producer").Fatal("configuration failed", logger.Fields("error", err.Error()))
	}
	log := logger.New(cfg.Logging, cfg.Name)

	store, err := objectstore.New(ctx, &cfg.Store)
	if err != nil {
		log.Fatal("object store setup failed", logger.Fields("error", err.Error()))
	}

	pub, err := queue.NewPublisher(ctx, cfg.Queue, log)
	if err != nil {
		log.Fatal("broker connection failed", logger.Fields("error", err.Error()))
	}
	defer pub.Close()

	p := producer.New(producer.Source{References: store, Queue: pub}, cfg.Batch, log)

	summary, err := p.Run(ctx)
	if err != nil {
		log.Error("batch aborted", logger.Fields(
			"enqueued", summary.Enqueued,
			"failed", summary.Failed,
			"error", err.Error(),
		))
		os.Exit(1)
	}
}
