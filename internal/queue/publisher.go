package queue

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/batchscribe/batchscribe/internal/fault"
	"github.com/batchscribe/batchscribe/internal/logger"
)

// Publisher publishes messages to the work queue in confirm mode: Publish
// does not return until the broker has acknowledged persistence. Publishing
// one message at a time bounds producer memory and surfaces backpressure as
// soon as the broker struggles.
type Publisher struct {
	cfg  Config
	log  *logger.Logger
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
}

// NewPublisher connects to the broker and opens a confirm-mode channel.
// It blocks (with backoff) until the broker is reachable or ctx is done.
func NewPublisher(ctx context.Context, cfg Config, log *logger.Logger) (*Publisher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	plog := log.WithComponent("queue.publisher")

	conn, err := dial(ctx, cfg, plog)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fault.BrokerUnavailable("open channel", err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fault.BrokerUnavailable("enable confirm mode", err)
	}

	if err := declareQueue(ch, cfg.Queue); err != nil {
		conn.Close()
		return nil, err
	}

	plog.Info("publisher ready", logger.Fields(logger.FieldQueue, cfg.Queue))

	return &Publisher{cfg: cfg, log: plog, conn: conn, ch: ch}, nil
}

// Publish sends one message and waits for the broker confirm. A nack from
// the broker or a lost confirm is a transient fault the caller may retry.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",          // default exchange
		p.cfg.Queue, // routing key = queue name
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fault.Transient("queue: publish", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fault.Transient("queue: await publish confirm", err)
	}
	if !acked {
		return fault.Transient("queue: broker refused publish", nil)
	}
	return nil
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("queue: close connection: %w", err)
		}
	}
	return nil
}
