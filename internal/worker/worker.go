// Package worker runs the consume→transcribe→deliver→acknowledge loop.
// Each worker instance owns one loop over one broker connection; scale-out
// is achieved by running more instances against the same queue. The broker's
// competing-consumer semantics keep any single message exclusive to one
// worker, so the loop itself needs no locks and shares nothing.
package worker

import (
	"context"
	"time"

	"github.com/batchscribe/batchscribe/internal/fault"
	"github.com/batchscribe/batchscribe/internal/job"
	"github.com/batchscribe/batchscribe/internal/logger"
	"github.com/batchscribe/batchscribe/internal/queue"
	"github.com/batchscribe/batchscribe/internal/resilience"
)

// Fetcher blocks for the next delivery from the work queue.
type Fetcher interface {
	Next(ctx context.Context) (queue.Delivery, error)
}

// Transcriber invokes the ASR engine for one reference.
type Transcriber interface {
	Transcribe(ctx context.Context, reference string) (string, error)
}

// Deliverer posts one transcript result to the sink.
type Deliverer interface {
	Deliver(ctx context.Context, result job.TranscriptResult) error
}

// UsageRecorder reports ASR invocations to the metering side-channel.
type UsageRecorder interface {
	RecordInvocation(ctx context.Context, outcome string, d time.Duration)
}

type noopUsage struct{}

func (noopUsage) RecordInvocation(context.Context, string, time.Duration) {}

// Config holds retry policy for the two external boundaries.
type Config struct {
	// ASRRetry bounds in-process engine retries. A fault still transient
	// after these attempts leads to nack-requeue, making the broker the
	// durable retry mechanism.
	ASRRetry resilience.RetryConfig
	// DeliveryRetry bounds sink delivery retries. Exhaustion is terminal
	// for the item.
	DeliveryRetry resilience.RetryConfig
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.ASRRetry.MaxAttempts == 0 {
		c.ASRRetry = resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         0.1,
		}
	}
	if c.DeliveryRetry.MaxAttempts == 0 {
		c.DeliveryRetry = resilience.RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         0.1,
		}
	}
}

// Worker processes work items one at a time.
type Worker struct {
	fetcher Fetcher
	asr     Transcriber
	sink    Deliverer
	usage   UsageRecorder
	cfg     Config
	log     *logger.Logger
	now     func() time.Time
}

// New creates a worker over its collaborators. A nil usage recorder is
// replaced with a no-op.
func New(fetcher Fetcher, asr Transcriber, sink Deliverer, usage UsageRecorder, cfg Config, log *logger.Logger) *Worker {
	cfg.ApplyDefaults()
	if usage == nil {
		usage = noopUsage{}
	}
	return &Worker{
		fetcher: fetcher,
		asr:     asr,
		sink:    sink,
		usage:   usage,
		cfg:     cfg,
		log:     log.WithComponent("worker"),
		now:     time.Now,
	}
}

// Run loops consume→process→acknowledge until ctx is cancelled. Per-item
// failures are contained to their item: the loop keeps consuming no matter
// how an individual work item goes.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")

	for {
		delivery, err := w.fetcher.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker stopping")
				return ctx.Err()
			}
			return err
		}

		w.handle(ctx, delivery)
	}
}

// handle takes one delivery to a terminal outcome and issues exactly one of
// ack or nack-requeue for it. Ack happens only after delivery has succeeded
// or been definitively abandoned. An item interrupted by shutdown reaches no
// terminal outcome: nothing is settled and the broker redelivers it.
func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) {
	item, err := job.DecodeWorkItem(delivery.Body)
	if err != nil {
		// The body can never become decodable; redelivery would loop forever.
		w.log.Error("dropping undecodable work item", logger.Fields(
			"tag", delivery.Tag,
			"error", err.Error(),
		))
		w.ack(delivery)
		return
	}

	jlog := w.log.WithFields(logger.Fields(
		logger.FieldJobID, item.JobID,
		"redelivered", delivery.Redelivered,
	))

	if item.Expired(w.now()) {
		jlog.Error("reference validity window expired, dropping item")
		w.recordFailure(ctx, item, fault.ReferenceExpired("validity window elapsed before processing"), jlog)
		w.ack(delivery)
		return
	}

	jlog.Info("processing work item")

	text, err := w.transcribe(ctx, item, jlog)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-item. The item was not processed; leave the
			// delivery unsettled so the broker redelivers it.
			jlog.Warn("shutdown during transcription, leaving item for redelivery")
			return
		}
		if fault.IsTransient(err) || fault.ClassOf(err) == fault.ClassBrokerUnavailable {
			// Requeue: this or another worker retries once the condition clears.
			jlog.Warn("transient transcription failure, requeueing", logger.Fields(
				"error", err.Error(),
			))
			w.nackRequeue(delivery)
			return
		}
		jlog.Error("permanent transcription failure, dropping item", logger.Fields(
			"error", err.Error(),
		))
		w.recordFailure(ctx, item, err, jlog)
		w.ack(delivery)
		return
	}

	result := item.Success(text)
	if err := w.deliver(ctx, result, jlog); err != nil {
		if ctx.Err() != nil {
			// Shutdown before the result reached the sink. Redelivery
			// repeats the work, but at-least-once beats losing the item.
			jlog.Warn("shutdown during result delivery, leaving item for redelivery")
			return
		}
		// Retry ceiling reached or the sink rejected the result outright.
		// Blocking the queue on one item helps nobody; drop it, loudly.
		jlog.Error("result delivery abandoned, dropping item", logger.Fields(
			"error", err.Error(),
		))
		w.ack(delivery)
		return
	}

	jlog.Info("transcript delivered")
	w.ack(delivery)
}

// transcribe invokes the engine through the retry policy, reporting every
// invocation to metering regardless of outcome.
func (w *Worker) transcribe(ctx context.Context, item job.WorkItem, jlog *logger.Logger) (string, error) {
	cfg := w.cfg.ASRRetry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		jlog.Warn("transcription retry", logger.Fields(
			logger.FieldAttempt, attempt,
			"backoff", backoff.String(),
			"error", err.Error(),
		))
	}

	return resilience.Retry(ctx, cfg, func() (string, error) {
		start := w.now()
		text, err := w.asr.Transcribe(ctx, item.Reference)
		w.usage.RecordInvocation(ctx, invocationOutcome(err), time.Since(start))
		return text, err
	})
}

// deliver posts the result through the retry policy.
func (w *Worker) deliver(ctx context.Context, result job.TranscriptResult, jlog *logger.Logger) error {
	cfg := w.cfg.DeliveryRetry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		jlog.Warn("delivery retry", logger.Fields(
			logger.FieldAttempt, attempt,
			"backoff", backoff.String(),
			"error", err.Error(),
		))
	}

	return resilience.RetryFunc(ctx, cfg, func() error {
		return w.sink.Deliver(ctx, result)
	})
}

// recordFailure reports a terminal per-item failure to the sink so the
// batch's observable outcome covers every item. Best-effort: the item is
// acknowledged either way.
func (w *Worker) recordFailure(ctx context.Context, item job.WorkItem, cause error, jlog *logger.Logger) {
	if err := w.deliver(ctx, item.Failure(cause), jlog); err != nil {
		jlog.Warn("failure outcome not delivered to sink", logger.Fields(
			"error", err.Error(),
		))
	}
}

func (w *Worker) ack(delivery queue.Delivery) {
	if err := delivery.Ack(); err != nil {
		w.log.Error("ack failed", logger.Fields("tag", delivery.Tag, "error", err.Error()))
	}
}

func (w *Worker) nackRequeue(delivery queue.Delivery) {
	if err := delivery.Nack(true); err != nil {
		w.log.Error("nack failed", logger.Fields("tag", delivery.Tag, "error", err.Error()))
	}
}

func invocationOutcome(err error) string {
	if err == nil {
		return "success"
	}
	switch fault.ClassOf(err) {
	case fault.ClassTransient, fault.ClassBrokerUnavailable:
		return "transient"
	case fault.ClassReferenceExpired:
		return "expired"
	default:
		return "permanent"
	}
}
