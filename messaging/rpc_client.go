package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/avista-control/contracts"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RequestStatus represents the status of a call
type RequestStatus string

const (
	RequestStatusPending       RequestStatus = "pending"
	RequestStatusSent          RequestStatus = "sent"
	RequestStatusConfirmed     RequestStatus = "confirmed"
	RequestStatusCompleted     RequestStatus = "completed"
	RequestStatusTimeout       RequestStatus = "timeout"
	RequestStatusFailed        RequestStatus = "failed"
	RequestStatusIndeterminate RequestStatus = "indeterminate"
)

// TrackedRequest is a snapshot of one outstanding call
type TrackedRequest struct {
	CorrelationID string
	Status        RequestStatus
	SentAt        time.Time
	Timeout       time.Duration
}

// pendingCall is the result slot of one outstanding call. result has room
// for exactly one value and is written only by whoever removes the call
// from the pending map.
type pendingCall struct {
	id      string
	status  RequestStatus
	sentAt  time.Time
	timeout time.Duration
	result  chan callResult
}

type callResult struct {
	body []byte
	err  error
}

// RPCClient issues synchronous-looking calls over the transport. One
// broker-named reply queue serves all calls; replies are matched back to
// callers by correlation id.
type RPCClient struct {
	transport      Transport
	exchange       string
	routingKey     string
	defaultTimeout time.Duration
	appID          string
	logger         *slog.Logger
	newID          func() string

	mu         sync.Mutex
	pending    map[string]*pendingCall
	replyQueue string
	ready      bool

	// late remembers timed-out ids so their replies can be told apart from foreign ones
	late *expirable.LRU[string, time.Time]
}

// RPCClientConfig holds client configuration
type RPCClientConfig struct {
	Exchange       string
	RoutingKey     string
	DefaultTimeout time.Duration
	AppID          string
	LateReplySize  int
	LateReplyTTL   time.Duration
	Logger         *slog.Logger
	IDGenerator    func() string
}

// RPCClientOption configures the client
type RPCClientOption func(*RPCClientConfig)

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) RPCClientOption {
	return func(c *RPCClientConfig) {
		c.Logger = logger
	}
}

// WithWorkExchange sets the exchange tasks are published to
func WithWorkExchange(exchange string) RPCClientOption {
	return func(c *RPCClientConfig) {
		c.Exchange = exchange
	}
}

// WithWorkRoutingKey sets the routing key tasks are published with
func WithWorkRoutingKey(key string) RPCClientOption {
	return func(c *RPCClientConfig) {
		c.RoutingKey = key
	}
}

// WithDefaultTimeout is used when Call is given a non-positive timeout
func WithDefaultTimeout(timeout time.Duration) RPCClientOption {
	return func(c *RPCClientConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithAppID sets the app_id property on published tasks
func WithAppID(appID string) RPCClientOption {
	return func(c *RPCClientConfig) {
		c.AppID = appID
	}
}

// WithLateReplyMemory sizes the memory of timed-out correlation ids
func WithLateReplyMemory(size int, ttl time.Duration) RPCClientOption {
	return func(c *RPCClientConfig) {
		c.LateReplySize = size
		c.LateReplyTTL = ttl
	}
}

// WithIDGenerator replaces uuid generation of correlation ids
func WithIDGenerator(gen func() string) RPCClientOption {
	return func(c *RPCClientConfig) {
		c.IDGenerator = gen
	}
}

// NewRPCClient creates a client and subscribes it to the transport's
// reply queue. The transport must not be started yet.
func NewRPCClient(transport Transport, opts ...RPCClientOption) (*RPCClient, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	config := &RPCClientConfig{
		Exchange:       "message",
		RoutingKey:     "rpc_queue",
		DefaultTimeout: 30 * time.Second,
		AppID:          "avista-control",
		LateReplySize:  1024,
		LateReplyTTL:   10 * time.Minute,
		Logger:         slog.Default(),
		IDGenerator:    func() string { return uuid.New().String() },
	}

	for _, opt := range opts {
		opt(config)
	}

	client := &RPCClient{
		transport:      transport,
		exchange:       config.Exchange,
		routingKey:     config.RoutingKey,
		defaultTimeout: config.DefaultTimeout,
		appID:          config.AppID,
		logger:         config.Logger.With("component", "rpc-client"),
		newID:          config.IDGenerator,
		pending:        make(map[string]*pendingCall),
		late:           expirable.NewLRU[string, time.Time](config.LateReplySize, nil, config.LateReplyTTL),
	}

	if err := transport.Subscribe(client.handleReply); err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply queue: %w", err)
	}
	transport.AddConnectionListener(client)

	return client, nil
}

// Call marshals task to JSON, sends it and waits for the matching reply
func (c *RPCClient) Call(ctx context.Context, task any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	reply, err := c.CallRaw(ctx, body, timeout)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(reply), nil
}

// CallRaw sends body and blocks until the reply arrives, the timeout
// elapses, the broker rejects the publish, the connection is lost or ctx
// ends. Exactly one of these outcomes is returned.
func (c *RPCClient) CallRaw(ctx context.Context, body []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	call, replyQueue, err := c.register(timeout)
	if err != nil {
		return nil, err
	}
	defer c.forget(call)

	receipt, err := c.transport.Publish(ctx, c.exchange, c.routingKey, Message{
		Body:          body,
		ContentType:   contracts.ContentType,
		CorrelationID: call.id,
		ReplyTo:       replyQueue,
		AppID:         c.appID,
		Timestamp:     time.Now(),
	})
	if err != nil {
		c.setStatus(call, RequestStatusFailed)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	c.setStatus(call, RequestStatusSent)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	confirmed := receipt.Done()
	for {
		select {
		case r := <-call.result:
			return r.body, r.err

		case <-confirmed:
			confirmed = nil
			if err := receipt.Err(); err != nil {
				c.setStatus(call, RequestStatusFailed)
				return nil, fmt.Errorf("call %s: %w", call.id, err)
			}
			c.setStatus(call, RequestStatusConfirmed)

		case <-timer.C:
			c.late.Add(call.id, time.Now())
			c.logger.Warn("call timed out", "correlationId", call.id, "timeout", timeout)
			return nil, &TimeoutError{CorrelationID: call.id, Timeout: timeout}

		case <-ctx.Done():
			c.late.Add(call.id, time.Now())
			return nil, ctx.Err()
		}
	}
}

// register creates the PendingCall under a fresh correlation id
func (c *RPCClient) register(timeout time.Duration) (*pendingCall, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return nil, "", ErrNotReady
	}

	id := c.newID()
	if _, exists := c.pending[id]; exists {
		return nil, "", fmt.Errorf("%w: %s", ErrDuplicateCorrelation, id)
	}

	call := &pendingCall{
		id:      id,
		status:  RequestStatusPending,
		sentAt:  time.Now(),
		timeout: timeout,
		result:  make(chan callResult, 1),
	}
	c.pending[id] = call
	return call, c.replyQueue, nil
}

// forget removes call if it is still registered
func (c *RPCClient) forget(call *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[call.id] == call {
		delete(c.pending, call.id)
	}
}

func (c *RPCClient) setStatus(call *pendingCall, status RequestStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call.status = status
}

// take removes and returns the call for id
func (c *RPCClient) take(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		call.status = RequestStatusCompleted
	}
	return call, ok
}

// handleReply runs on the transport's event goroutine
func (c *RPCClient) handleReply(delivery TransportDelivery) {
	msg := delivery.Message()
	id := msg.CorrelationID

	call, ok := c.take(id)
	if !ok {
		if _, late := c.late.Get(id); late {
			c.logger.Info("discarding late reply", "correlationId", id)
		} else {
			c.logger.Warn("discarding reply with unknown correlation id", "correlationId", id)
		}
		return
	}

	call.result <- callResult{body: msg.Body}
}

// OnReady records the reply queue of the new session
func (c *RPCClient) OnReady(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replyQueue = session.ReplyQueue
	c.ready = true
	c.logger.Debug("reply queue ready", "replyQueue", session.ReplyQueue, "generation", session.Generation)
}

// OnUnready resolves every outstanding call as indeterminate. Their reply
// queue is gone, so no reply can arrive any more.
func (c *RPCClient) OnUnready(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.ready = false
	c.replyQueue = ""
	c.mu.Unlock()

	for id, call := range calls {
		call.result <- callResult{err: &IndeterminateError{CorrelationID: id, Cause: err}}
	}
	if len(calls) > 0 {
		c.logger.Warn("connection lost with calls in flight", "calls", len(calls), "error", err)
	}
}

// Pending returns the number of outstanding calls
func (c *RPCClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ActiveRequests returns a snapshot of outstanding calls
func (c *RPCClient) ActiveRequests() []TrackedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := make([]TrackedRequest, 0, len(c.pending))
	for _, call := range c.pending {
		active = append(active, TrackedRequest{
			CorrelationID: call.id,
			Status:        call.status,
			SentAt:        call.sentAt,
			Timeout:       call.timeout,
		})
	}
	return active
}

// Ready reports whether calls can currently be issued
func (c *RPCClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}
