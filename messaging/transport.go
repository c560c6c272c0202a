package messaging

import (
	"context"
	"time"
)

// Message is what the RPC layer hands to a transport for publishing and
// receives back from it on consumption.
type Message struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	AppID         string
	Timestamp     time.Time
	Headers       map[string]interface{}
}

// Receipt reports the broker's verdict on one publish
type Receipt interface {
	// Done is closed once the outcome is known
	Done() <-chan struct{}

	// Err is nil on ack, ErrPublishNacked on nack and ErrIndeterminate when
	// the connection went away first
	Err() error
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	// Message returns the delivered message
	Message() Message

	// Acknowledge marks the message as successfully processed
	Acknowledge(ctx context.Context) error

	// Reject rejects the message with optional requeue
	Reject(ctx context.Context, requeue bool) error
}

// DeliveryHandler is called for every consumed delivery, on the
// transport's event goroutine. It must not block.
type DeliveryHandler func(delivery TransportDelivery)

// Session identifies a ready transport session
type Session struct {
	Generation uint64
	ReplyQueue string
}

// ConnectionListener observes when the transport may be used
type ConnectionListener interface {
	OnReady(session Session)
	OnUnready(err error)
}

// Transport is the broker-facing side of the RPC layer
type Transport interface {
	// Publish sends msg and returns without waiting for the broker
	Publish(ctx context.Context, exchange, routingKey string, msg Message) (Receipt, error)

	// Subscribe sets the handler for the transport's consumed queue.
	// It must be called before Start.
	Subscribe(handler DeliveryHandler) error

	// AddConnectionListener registers a readiness listener
	AddConnectionListener(listener ConnectionListener)

	// Start begins connecting in the background
	Start(ctx context.Context) error

	// Close stops the transport for good
	Close() error

	// IsReady reports whether publish and consume are currently permitted
	IsReady() bool
}
