// Package queue wraps the AMQP broker connection with the publish and
// consume primitives the pipeline needs: confirmed publishes, prefetch-1
// manual-ack consumption, and reconnect backoff when the broker drops.
// Each producer or worker owns its own connection; nothing is shared
// process-wide.
package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/batchscribe/batchscribe/internal/fault"
	"github.com/batchscribe/batchscribe/internal/logger"
)

const maxDialBackoff = 30 * time.Second

// dial connects to the broker, retrying with linear backoff until the
// connection succeeds or ctx is done. The broker regularly starts after its
// clients in container deployments, so startup failures are expected.
func dial(ctx context.Context, cfg Config, log *logger.Logger) (*amqp.Connection, error) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil, fault.BrokerUnavailable("broker connect abandoned", ctx.Err())
		default:
		}

		conn, err := amqp.Dial(cfg.URL)
		if err == nil {
			log.Info("connected to broker")
			return conn, nil
		}

		failures++
		if failures <= 3 {
			log.Error("broker connect failed", logger.Fields(
				"error", err.Error(),
				"failures", failures,
			))
		}

		backoff := time.Duration(failures) * time.Second
		if backoff > maxDialBackoff {
			backoff = maxDialBackoff
		}

		select {
		case <-ctx.Done():
			return nil, fault.BrokerUnavailable("broker connect abandoned", ctx.Err())
		case <-time.After(backoff):
		}
	}
}

// declareQueue declares the durable work queue on the channel. Declaration
// is idempotent, so producer and workers can race on it safely.
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("queue: declare %s: %w", name, err)
	}
	return nil
}
