package queue

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/batchscribe/batchscribe/internal/fault"
	"github.com/batchscribe/batchscribe/internal/logger"
)

// sessionOpener establishes one consuming session: a delivery stream plus a
// function that tears the session down. Tests substitute their own opener to
// drive the reconnect path without a broker.
type sessionOpener func(ctx context.Context) (<-chan amqp.Delivery, func(), error)

// Consumer pulls deliveries from the work queue one at a time. Prefetch is
// fixed at 1 with manual acks, so a worker never holds more than one
// unacknowledged message: if the process dies mid-item, only that item is
// redelivered. When the connection or channel dies the consumer tears down
// and redials with backoff on the next call to Next.
type Consumer struct {
	cfg  Config
	log  *logger.Logger
	open sessionOpener

	deliveries   <-chan amqp.Delivery
	closeSession func()
}

// NewConsumer creates a consumer. The broker connection is established
// lazily on the first call to Next, so workers can start before the broker.
func NewConsumer(cfg Config, log *logger.Logger) (*Consumer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Consumer{cfg: cfg, log: log.WithComponent("queue.consumer")}
	c.open = c.openBroker
	return c, nil
}

// Next blocks until one delivery arrives, reconnecting as needed. It returns
// ctx.Err() once the context is cancelled; any other outcome is a delivery.
func (c *Consumer) Next(ctx context.Context) (Delivery, error) {
	for {
		if c.deliveries == nil {
			deliveries, closeSession, err := c.open(ctx)
			if err != nil {
				return Delivery{}, err
			}
			c.deliveries = deliveries
			c.closeSession = closeSession
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case d, ok := <-c.deliveries:
			if !ok {
				// Channel closed under us. Tear down and redial.
				c.log.Warn("delivery channel closed, reconnecting")
				c.teardown()
				continue
			}
			return wrapDelivery(d), nil
		}
	}
}

// openBroker dials the broker and starts consuming with prefetch 1. Dialing
// already backs off internally; channel-level setup failures right after a
// successful dial usually mean the broker is still coming up, so they loop
// with the same backoff cadence instead of hammering it.
func (c *Consumer) openBroker(ctx context.Context) (<-chan amqp.Delivery, func(), error) {
	failures := 0
	for {
		conn, err := dial(ctx, c.cfg, c.log)
		if err != nil {
			return nil, nil, err
		}

		deliveries, err := c.startConsume(conn)
		if err == nil {
			closeSession := func() {
				_ = conn.Close()
			}
			c.log.Info("consuming", logger.Fields(logger.FieldQueue, c.cfg.Queue))
			return deliveries, closeSession, nil
		}

		conn.Close()
		failures++
		c.log.Error("consume session setup failed", logger.Fields(
			"error", err.Error(),
			"failures", failures,
		))

		backoff := time.Duration(failures) * time.Second
		if backoff > maxDialBackoff {
			backoff = maxDialBackoff
		}

		select {
		case <-ctx.Done():
			return nil, nil, fault.BrokerUnavailable("broker connect abandoned", ctx.Err())
		case <-time.After(backoff):
		}
	}
}

// startConsume opens a channel on conn, applies prefetch 1 and begins
// manual-ack consumption from the durable queue.
func (c *Consumer) startConsume(conn *amqp.Connection) (<-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fault.BrokerUnavailable("open channel", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fault.BrokerUnavailable("set prefetch", err)
	}

	if err := declareQueue(ch, c.cfg.Queue); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(
		c.cfg.Queue,
		"",    // broker-assigned consumer tag
		false, // manual ack
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fault.BrokerUnavailable("start consume", err)
	}
	return deliveries, nil
}

func (c *Consumer) teardown() {
	if c.closeSession != nil {
		c.closeSession()
		c.closeSession = nil
	}
	c.deliveries = nil
}

// Close shuts down the consumer's connection.
func (c *Consumer) Close() error {
	c.log.Info("consumer closing")
	c.teardown()
	return nil
}
