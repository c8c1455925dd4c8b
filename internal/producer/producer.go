// Package producer runs the one-shot batch job: list the source objects,
// mint a time-bounded reference per object, and publish one work item per
// reference with broker confirmation. It is not a long-lived service; a
// failed batch reports its partial progress and exits.
package producer

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/batchscribe/batchscribe/internal/fault"
	"github.com/batchscribe/batchscribe/internal/job"
	"github.com/batchscribe/batchscribe/internal/logger"
	"github.com/batchscribe/batchscribe/internal/resilience"
)

// ReferenceSource lists source objects and mints retrievable references.
type ReferenceSource interface {
	Objects(ctx context.Context, prefix string) iter.Seq2[string, error]
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Publisher publishes one confirmed message to the work queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Config holds batch run parameters.
type Config struct {
	// Prefix filters source objects by key prefix. Empty matches everything.
	Prefix string `mapstructure:"prefix" json:"prefix"`
	// Validity is how long minted references stay resolvable.
	Validity time.Duration `mapstructure:"validity" json:"validity"`
	// PublishRetry bounds per-item publish retries.
	PublishRetry resilience.RetryConfig `mapstructure:"-" json:"-"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Validity <= 0 {
		c.Validity = job.DefaultValidity
	}
	if c.PublishRetry.MaxAttempts == 0 {
		c.PublishRetry = resilience.DefaultRetryConfig()
	}
}

// Summary reports how a batch run went.
type Summary struct {
	Enqueued int
	Failed   int
}

// Producer drives the reference source into the queue.
type Producer struct {
	src Source
	cfg Config
	log *logger.Logger
}

// Source bundles the two collaborators a batch run needs.
type Source struct {
	References ReferenceSource
	Queue      Publisher
}

// New creates a producer.
func New(src Source, cfg Config, log *logger.Logger) *Producer {
	cfg.ApplyDefaults()
	return &Producer{src: src, cfg: cfg, log: log.WithComponent("producer")}
}

// Run executes one batch: exactly one work item per matching object. A
// publish failure is retried with bounded backoff; exhausting retries, or a
// fatal listing/signing fault, aborts the run. The summary always reflects
// what actually happened, aborted or not. Re-running against an unchanged
// bucket re-enqueues duplicates; downstream tolerates at-least-once.
func (p *Producer) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	for key, err := range p.src.References.Objects(ctx, p.cfg.Prefix) {
		if err != nil {
			return summary, fmt.Errorf("producer: list objects: %w", err)
		}

		reference, err := p.src.References.PresignGet(ctx, key, p.cfg.Validity)
		if err != nil {
			return summary, fmt.Errorf("producer: mint reference for %s: %w", key, err)
		}

		item := job.NewWorkItem(reference, p.cfg.Validity)
		body, err := item.Encode()
		if err != nil {
			return summary, fmt.Errorf("producer: encode work item for %s: %w", key, err)
		}

		retryCfg := p.cfg.PublishRetry
		retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
			p.log.Warn("publish retry", logger.Fields(
				logger.FieldJobID, item.JobID,
				logger.FieldAttempt, attempt,
				"backoff", backoff.String(),
				"error", err.Error(),
			))
		}

		if err := resilience.RetryFunc(ctx, retryCfg, func() error {
			return p.src.Queue.Publish(ctx, body)
		}); err != nil {
			summary.Failed++
			p.log.Error("publish failed, aborting batch", logger.Fields(
				logger.FieldJobID, item.JobID,
				"key", key,
				"error", err.Error(),
			))
			return summary, fault.New(fault.ClassOf(err), "producer: enqueue %s failed after retries", key).WithCause(err)
		}

		summary.Enqueued++
		p.log.Info("work item enqueued", logger.Fields(
			logger.FieldJobID, item.JobID,
			"key", key,
		))
	}

	p.log.Info("batch complete", logger.Fields(
		"enqueued", summary.Enqueued,
		"failed", summary.Failed,
	))
	return summary, nil
}
