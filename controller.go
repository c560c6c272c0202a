package avista

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/avista-control/internal/rabbitmq"
	"github.com/glimte/avista-control/messaging"
	rabbitmqTransport "github.com/glimte/avista-control/transports/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

// Controller is the caller side: it owns one broker session and sends
// tasks to workers with RPC semantics
type Controller struct {
	transport *rabbitmqTransport.Transport
	client    *messaging.RPCClient
	logger    *slog.Logger
}

// controllerConfig holds options shared by Controller and Worker
type controllerConfig struct {
	logger           *slog.Logger
	descriptor       rabbitmq.Descriptor
	registerer       prometheus.Registerer
	lifecycleOptions []rabbitmq.LifecycleOption
	callTimeout      time.Duration
	handlerTimeout   time.Duration
}

// Option configures a Controller or a Worker
type Option func(*controllerConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *controllerConfig) {
		cfg.logger = logger
	}
}

// WithDescriptor sets the broker topology
func WithDescriptor(d rabbitmq.Descriptor) Option {
	return func(cfg *controllerConfig) {
		cfg.descriptor = d
	}
}

// WithMetrics registers broker metrics with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(cfg *controllerConfig) {
		cfg.registerer = reg
	}
}

// WithLifecycleOptions passes options to the lifecycle manager, e.g. the
// reconnect delay
func WithLifecycleOptions(opts ...rabbitmq.LifecycleOption) Option {
	return func(cfg *controllerConfig) {
		cfg.lifecycleOptions = append(cfg.lifecycleOptions, opts...)
	}
}

// WithCallTimeout sets the default timeout of a call
func WithCallTimeout(timeout time.Duration) Option {
	return func(cfg *controllerConfig) {
		cfg.callTimeout = timeout
	}
}

// WithHandlerTimeout bounds each task a Worker runs
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *controllerConfig) {
		cfg.handlerTimeout = timeout
	}
}

func newConfig(options []Option) *controllerConfig {
	cfg := &controllerConfig{
		logger:         slog.Default(),
		descriptor:     rabbitmq.DefaultDescriptor(),
		callTimeout:    30 * time.Second,
		handlerTimeout: 5 * time.Minute,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// newTransport builds a transport for role with metrics when configured
func newTransport(connectionString string, role rabbitmq.Role, cfg *controllerConfig) *rabbitmqTransport.Transport {
	lifecycleOpts := cfg.lifecycleOptions
	if cfg.registerer != nil {
		lifecycleOpts = append([]rabbitmq.LifecycleOption{
			rabbitmq.WithMetrics(rabbitmq.NewCollector(cfg.registerer, "avista", role)),
		}, lifecycleOpts...)
	}

	return rabbitmqTransport.NewTransport(connectionString,
		rabbitmqTransport.WithRole(role),
		rabbitmqTransport.WithDescriptor(cfg.descriptor),
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithLifecycleOptions(lifecycleOpts...),
	)
}

// NewController creates a controller. Nothing connects until Start.
func NewController(connectionString string, options ...Option) (*Controller, error) {
	cfg := newConfig(options)

	transport := newTransport(connectionString, rabbitmq.RoleCaller, cfg)
	client, err := messaging.NewRPCClient(transport,
		messaging.WithClientLogger(cfg.logger),
		messaging.WithWorkExchange(cfg.descriptor.Exchange.Name),
		messaging.WithWorkRoutingKey(cfg.descriptor.RoutingKey),
		messaging.WithDefaultTimeout(cfg.callTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}

	return &Controller{
		transport: transport,
		client:    client,
		logger:    cfg.logger.With("component", "controller"),
	}, nil
}

// Start connects in the background. The session becomes ready
// asynchronously; use WaitReady to block for it.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	return nil
}

// WaitReady blocks until calls can be made
func (c *Controller) WaitReady(ctx context.Context) error {
	return c.transport.WaitReady(ctx)
}

// Call sends a task and waits for the worker's response
func (c *Controller) Call(ctx context.Context, task any, timeout time.Duration) (json.RawMessage, error) {
	return c.client.Call(ctx, task, timeout)
}

// Client returns the RPC client
func (c *Controller) Client() *messaging.RPCClient {
	return c.client
}

// Manager returns the lifecycle manager for health checks
func (c *Controller) Manager() *rabbitmq.LifecycleManager {
	return c.transport.Manager()
}

// Close stops the session. Outstanding calls fail as indeterminate.
func (c *Controller) Close() error {
	return c.transport.Close()
}
