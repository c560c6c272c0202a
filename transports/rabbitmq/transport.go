package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/avista-control/internal/rabbitmq"
	"github.com/glimte/avista-control/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ on top of a
// single LifecycleManager
type Transport struct {
	manager    *rabbitmq.LifecycleManager
	persistent bool
	logger     *slog.Logger

	mu      sync.RWMutex
	handler messaging.DeliveryHandler
	started bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Descriptor        rabbitmq.Descriptor
	Role              rabbitmq.Role
	LifecycleOptions  []rabbitmq.LifecycleOption
	PersistentPublish bool
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithDescriptor sets the topology declared on every connection
func WithDescriptor(d rabbitmq.Descriptor) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Descriptor = d
	}
}

// WithRole selects caller or worker topology
func WithRole(role rabbitmq.Role) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Role = role
	}
}

// WithLifecycleOptions passes options through to the lifecycle manager
func WithLifecycleOptions(opts ...rabbitmq.LifecycleOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.LifecycleOptions = append(cfg.LifecycleOptions, opts...)
	}
}

// WithPersistentPublish marks published messages persistent
func WithPersistentPublish(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PersistentPublish = enabled
	}
}

// WithLogger sets the logger of the transport and its lifecycle manager
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport. Nothing connects until Start.
func NewTransport(connectionString string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Descriptor:        rabbitmq.DefaultDescriptor(),
		Role:              rabbitmq.RoleCaller,
		PersistentPublish: true,
		Logger:            slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	t := &Transport{
		persistent: cfg.PersistentPublish,
		logger:     cfg.Logger.With("component", "transport"),
	}

	lifecycleOpts := append([]rabbitmq.LifecycleOption{
		rabbitmq.WithLogger(cfg.Logger),
		rabbitmq.WithDeliveryHandler(t.dispatch),
	}, cfg.LifecycleOptions...)

	t.manager = rabbitmq.NewLifecycleManager(connectionString, cfg.Descriptor, cfg.Role, lifecycleOpts...)
	return t
}

// Manager exposes the lifecycle manager for health checks and diagnostics
func (t *Transport) Manager() *rabbitmq.LifecycleManager {
	return t.manager
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Message) (messaging.Receipt, error) {
	publishing := amqp.Publishing{
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		AppId:         msg.AppID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}
	if t.persistent {
		publishing.DeliveryMode = amqp.Persistent
	}
	if msg.Headers != nil {
		publishing.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			publishing.Headers[k] = v
		}
	}

	receipt, err := t.manager.Publish(ctx, exchange, routingKey, publishing)
	if err != nil {
		return nil, translateError(err)
	}
	return receiptAdapter{receipt: receipt}, nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("subscribe after start: %w", messaging.ErrAlreadySubscribed)
	}
	if t.handler != nil {
		return messaging.ErrAlreadySubscribed
	}
	t.handler = handler
	return nil
}

// AddConnectionListener implements messaging.Transport
func (t *Transport) AddConnectionListener(listener messaging.ConnectionListener) {
	t.manager.AddStateListener(listenerAdapter{listener: listener})
}

// Start implements messaging.Transport
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return t.manager.Start(ctx)
}

// WaitReady blocks until the first session is ready
func (t *Transport) WaitReady(ctx context.Context) error {
	return translateError(t.manager.WaitReady(ctx))
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	return t.manager.Stop()
}

// IsReady implements messaging.Transport
func (t *Transport) IsReady() bool {
	return t.manager.State() == rabbitmq.StateReady
}

// dispatch runs on the lifecycle manager's event goroutine
func (t *Transport) dispatch(d rabbitmq.Delivery) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		t.logger.Warn("dropping delivery without a subscriber", "queue", d.Queue, "correlationId", d.CorrelationID)
		return
	}
	handler(&deliveryAdapter{delivery: d, manager: t.manager})
}

// deliveryAdapter adapts a lifecycle delivery to messaging.TransportDelivery
type deliveryAdapter struct {
	delivery rabbitmq.Delivery
	manager  *rabbitmq.LifecycleManager
}

func (d *deliveryAdapter) Message() messaging.Message {
	var headers map[string]interface{}
	if d.delivery.Headers != nil {
		headers = make(map[string]interface{}, len(d.delivery.Headers))
		for k, v := range d.delivery.Headers {
			headers[k] = v
		}
	}
	return messaging.Message{
		Body:          d.delivery.Body,
		ContentType:   d.delivery.ContentType,
		CorrelationID: d.delivery.CorrelationID,
		ReplyTo:       d.delivery.ReplyTo,
		MessageID:     d.delivery.MessageID,
		AppID:         d.delivery.AppID,
		Timestamp:     d.delivery.Timestamp,
		Headers:       headers,
	}
}

func (d *deliveryAdapter) Acknowledge(ctx context.Context) error {
	return translateError(d.manager.Ack(ctx, d.delivery))
}

func (d *deliveryAdapter) Reject(ctx context.Context, requeue bool) error {
	return translateError(d.manager.Nack(ctx, d.delivery, requeue))
}

// receiptAdapter maps lifecycle outcomes onto messaging errors
type receiptAdapter struct {
	receipt *rabbitmq.PublishReceipt
}

func (r receiptAdapter) Done() <-chan struct{} {
	return r.receipt.Done()
}

func (r receiptAdapter) Err() error {
	return translateError(r.receipt.Err())
}

// listenerAdapter forwards readiness to a messaging.ConnectionListener
type listenerAdapter struct {
	listener messaging.ConnectionListener
}

func (l listenerAdapter) OnReady(s rabbitmq.Session) {
	l.listener.OnReady(messaging.Session{Generation: s.Generation, ReplyQueue: s.ReplyQueue})
}

func (l listenerAdapter) OnUnready(err error) {
	l.listener.OnUnready(translateError(err))
}

// translateError keeps the lifecycle error in the chain and adds the
// matching messaging sentinel
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error
	switch {
	case errors.Is(err, rabbitmq.ErrIndeterminate), errors.Is(err, rabbitmq.ErrStaleDelivery):
		sentinel = messaging.ErrIndeterminate
	case errors.Is(err, rabbitmq.ErrPublishNacked):
		sentinel = messaging.ErrPublishNacked
	case errors.Is(err, rabbitmq.ErrManagerClosed):
		sentinel = messaging.ErrClosed
	case errors.Is(err, rabbitmq.ErrNotReady):
		sentinel = messaging.ErrNotReady
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
