package queue

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one message taken from the queue. Exactly one of Ack or Nack
// must be called once processing reaches a terminal outcome; the broker
// redelivers unacknowledged messages if the consumer dies first.
type Delivery struct {
	// Body is the serialized work item.
	Body []byte
	// Tag is the broker-assigned delivery tag the ack is keyed by.
	Tag uint64
	// Redelivered is set when the broker has delivered this message before.
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// Ack confirms successful (or terminally abandoned) processing.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack returns the message to the broker; with requeue it becomes eligible
// for redelivery to this or any other worker.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// NewDelivery builds a delivery envelope from explicit ack/nack callbacks.
// In-memory transports and tests use it; broker deliveries come through
// wrapDelivery.
func NewDelivery(body []byte, tag uint64, redelivered bool, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{
		Body:        body,
		Tag:         tag,
		Redelivered: redelivered,
		ack:         ack,
		nack:        nack,
	}
}

// wrapDelivery adapts an amqp delivery into the transport-agnostic envelope.
func wrapDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		Body:        d.Body,
		Tag:         d.DeliveryTag,
		Redelivered: d.Redelivered,
		ack:         func() error { return d.Ack(false) },
		nack:        func(requeue bool) error { return d.Nack(false, requeue) },
	}
}
