package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/avista-control/contracts"
)

const settleTimeout = 5 * time.Second

// TaskHandler executes a task and returns the response for the caller
type TaskHandler interface {
	HandleTask(ctx context.Context, task contracts.Task) (contracts.Response, error)
}

// TaskHandlerFunc is a function that implements TaskHandler
type TaskHandlerFunc func(ctx context.Context, task contracts.Task) (contracts.Response, error)

// HandleTask implements TaskHandler
func (f TaskHandlerFunc) HandleTask(ctx context.Context, task contracts.Task) (contracts.Response, error) {
	return f(ctx, task)
}

// EchoSuccessHandler answers every task with {"response":"success"}
var EchoSuccessHandler = TaskHandlerFunc(func(ctx context.Context, task contracts.Task) (contracts.Response, error) {
	return contracts.Success(), nil
})

// RPCServer consumes the work queue, runs the handler for each task in its
// own goroutine and publishes the correlated response to the caller's
// reply queue before acknowledging the task.
type RPCServer struct {
	transport      Transport
	handler        TaskHandler
	logger         *slog.Logger
	handlerTimeout time.Duration
	confirmTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RPCServerConfig configures the server
type RPCServerConfig struct {
	Logger         *slog.Logger
	HandlerTimeout time.Duration
	ConfirmTimeout time.Duration
}

// RPCServerOption configures the server
type RPCServerOption func(*RPCServerConfig)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) RPCServerOption {
	return func(c *RPCServerConfig) {
		c.Logger = logger
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(timeout time.Duration) RPCServerOption {
	return func(c *RPCServerConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithConfirmTimeout bounds the wait for the broker to confirm a reply
func WithConfirmTimeout(timeout time.Duration) RPCServerOption {
	return func(c *RPCServerConfig) {
		c.ConfirmTimeout = timeout
	}
}

// NewRPCServer creates a server and subscribes it to the transport's work
// queue. The transport must not be started yet.
func NewRPCServer(transport Transport, handler TaskHandler, opts ...RPCServerOption) (*RPCServer, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	config := &RPCServerConfig{
		Logger:         slog.Default(),
		HandlerTimeout: 5 * time.Minute,
		ConfirmTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &RPCServer{
		transport:      transport,
		handler:        handler,
		logger:         config.Logger.With("component", "rpc-server"),
		handlerTimeout: config.HandlerTimeout,
		confirmTimeout: config.ConfirmTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}

	if err := transport.Subscribe(server.handleDelivery); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to work queue: %w", err)
	}
	return server, nil
}

// handleDelivery runs on the transport's event goroutine and only hands off
func (s *RPCServer) handleDelivery(delivery TransportDelivery) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(delivery)
	}()
}

func (s *RPCServer) process(delivery TransportDelivery) {
	msg := delivery.Message()
	logger := s.logger.With("correlationId", msg.CorrelationID)

	if msg.ReplyTo == "" {
		logger.Warn("rejecting task without reply_to")
		if err := s.settle(func(ctx context.Context) error { return delivery.Reject(ctx, false) }); err != nil {
			logger.Debug("failed to reject task", "error", err)
		}
		return
	}

	response := s.execute(msg)
	body, err := json.Marshal(response)
	if err != nil {
		body, _ = json.Marshal(contracts.Failure(err))
	}

	receipt, err := s.transport.Publish(s.ctx, "", msg.ReplyTo, Message{
		Body:          body,
		ContentType:   contracts.ContentType,
		CorrelationID: msg.CorrelationID,
		Timestamp:     time.Now(),
	})
	if err == nil {
		err = s.awaitConfirm(receipt)
	}
	if err != nil {
		// Leave the task for another attempt
		logger.Error("failed to publish response", "replyTo", msg.ReplyTo, "error", err)
		if rejectErr := s.settle(func(ctx context.Context) error { return delivery.Reject(ctx, true) }); rejectErr != nil {
			logger.Debug("failed to requeue task", "error", rejectErr)
		}
		return
	}

	if err := s.settle(delivery.Acknowledge); err != nil {
		// The broker will redeliver; the caller discards the duplicate reply
		logger.Warn("failed to acknowledge task", "error", err)
		return
	}
	logger.Debug("task completed", "replyTo", msg.ReplyTo, "success", response.IsSuccess())
}

// execute decodes and runs the task. Failures become error responses.
func (s *RPCServer) execute(msg Message) (response contracts.Response) {
	task, err := contracts.DecodeTask(msg.Body)
	if err != nil {
		return contracts.Failure(err)
	}

	defer func() {
		if r := recover(); r != nil {
			response = contracts.Failure(fmt.Errorf("handler panic: %v", r))
			response.TaskID = task.ID
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.handlerTimeout)
	defer cancel()

	response, err = s.handler.HandleTask(ctx, task)
	if err != nil {
		response = contracts.Failure(err)
	}
	if response.TaskID == "" {
		response.TaskID = task.ID
	}
	return response
}

func (s *RPCServer) awaitConfirm(receipt Receipt) error {
	timer := time.NewTimer(s.confirmTimeout)
	defer timer.Stop()

	select {
	case <-receipt.Done():
		return receipt.Err()
	case <-timer.C:
		return fmt.Errorf("reply confirmation: %w", ErrTimeout)
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// settle acks or rejects even while stopping, so a finished task is not redelivered
func (s *RPCServer) settle(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	return fn(ctx)
}

// Stop cancels running handlers and waits for them to return
func (s *RPCServer) Stop() {
	s.cancel()
	s.Wait()
}

// Wait blocks until every in-flight task has finished
func (s *RPCServer) Wait() {
	s.wg.Wait()
}
