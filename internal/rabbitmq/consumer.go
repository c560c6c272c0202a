package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes incoming messages. It runs on the
// event-delivery goroutine, so it must hand long work off and return.
type DeliveryHandler func(delivery Delivery)

// Delivery is a message received on the consumed queue. Acknowledgment
// goes through the LifecycleManager, never straight to the channel.
type Delivery struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	AppID         string
	Headers       amqp.Table
	Timestamp     time.Time
	DeliveryTag   uint64
	Redelivered   bool
	Queue         string

	// Generation is the session the delivery arrived on; acks for an older
	// generation are refused because the tag no longer exists.
	Generation uint64
}

func newDelivery(d amqp.Delivery, queue string, generation uint64) Delivery {
	return Delivery{
		Body:          d.Body,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		AppID:         d.AppId,
		Headers:       d.Headers,
		Timestamp:     d.Timestamp,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		Queue:         queue,
		Generation:    generation,
	}
}

// consumerTag builds a unique consumer tag for a role
func consumerTag(role Role) string {
	return fmt.Sprintf("avista-%s-%s", role, uuid.New().String()[:8])
}

// startConsumer issues basic.consume for the queue the topology selected
func startConsumer(ch Channel, role Role, result TopologyResult) (<-chan amqp.Delivery, string, error) {
	tag := consumerTag(role)
	deliveries, err := ch.Consume(
		result.ConsumeQueue,
		tag,
		result.AutoAck,
		role == RoleCaller, // the reply queue is private to this caller
		false,              // no-local
		false,              // no-wait
		nil,
	)
	if err != nil {
		return nil, tag, fmt.Errorf("failed to start consuming %q: %w", result.ConsumeQueue, err)
	}
	return deliveries, tag, nil
}

// Ack acknowledges a delivery on the session it arrived on
func (m *LifecycleManager) Ack(ctx context.Context, d Delivery) error {
	return m.Exec(ctx, func(ch Channel) error {
		if d.Generation != m.generation {
			return ErrStaleDelivery
		}
		return ch.Ack(d.DeliveryTag, false)
	})
}

// Nack rejects a delivery, optionally asking the broker to requeue it
func (m *LifecycleManager) Nack(ctx context.Context, d Delivery, requeue bool) error {
	return m.Exec(ctx, func(ch Channel) error {
		if d.Generation != m.generation {
			return ErrStaleDelivery
		}
		return ch.Nack(d.DeliveryTag, false, requeue)
	})
}
