package avista

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/avista-control/internal/rabbitmq"
	"github.com/glimte/avista-control/messaging"
	rabbitmqTransport "github.com/glimte/avista-control/transports/rabbitmq"
)

// Worker consumes tasks from the work queue and replies to the caller
type Worker struct {
	transport *rabbitmqTransport.Transport
	server    *messaging.RPCServer
	logger    *slog.Logger
}

// NewWorker creates a worker running handler for every task
func NewWorker(connectionString string, handler messaging.TaskHandler, options ...Option) (*Worker, error) {
	cfg := newConfig(options)

	transport := newTransport(connectionString, rabbitmq.RoleWorker, cfg)
	server, err := messaging.NewRPCServer(transport, handler,
		messaging.WithServerLogger(cfg.logger),
		messaging.WithHandlerTimeout(cfg.handlerTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc server: %w", err)
	}

	return &Worker{
		transport: transport,
		server:    server,
		logger:    cfg.logger.With("component", "worker"),
	}, nil
}

// Start connects in the background
func (w *Worker) Start(ctx context.Context) error {
	if err := w.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// WaitReady blocks until the worker consumes
func (w *Worker) WaitReady(ctx context.Context) error {
	return w.transport.WaitReady(ctx)
}

// Manager returns the lifecycle manager for health checks
func (w *Worker) Manager() *rabbitmq.LifecycleManager {
	return w.transport.Manager()
}

// Close cancels running tasks, waits for them and stops the session
func (w *Worker) Close() error {
	w.server.Stop()
	return w.transport.Close()
}
