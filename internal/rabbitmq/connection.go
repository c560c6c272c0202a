package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultDialTimeout    = 30 * time.Second
	confirmBuffer         = 256
)

// errStopped ends a session because Stop was called
var errStopped = errors.New("rabbitmq: stop requested")

// LifecycleManager owns one connection and at most one channel to the
// broker. A single event-delivery goroutine drives it through
// connecting, channel_opening, topology_setup and ready, and loops
// through reconnect_wait with a fixed delay on unexpected closure.
// Callers reach the channel only through Exec, Publish, Ack and Nack.
type LifecycleManager struct {
	url            string
	descriptor     Descriptor
	role           Role
	dialer         Dialer
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	confirms       bool
	handler        DeliveryHandler
	logger         *slog.Logger
	metrics        *Collector
	tracker        *ConfirmTracker

	state atomic.Int32

	mu      sync.RWMutex
	session Session
	readyCh chan struct{}

	// generation is only touched on the event-delivery goroutine
	generation uint64

	requests chan request
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	stateListeners []StateListener
	listenersMu    sync.RWMutex
}

// request hands a function to the event-delivery goroutine
type request struct {
	fn     func(ch Channel) error
	result chan error
}

// LifecycleOption configures the LifecycleManager
type LifecycleOption func(*LifecycleManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) LifecycleOption {
	return func(m *LifecycleManager) {
		m.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) LifecycleOption {
	return func(m *LifecycleManager) {
		m.reconnectDelay = delay
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) LifecycleOption {
	return func(m *LifecycleManager) {
		m.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial, mainly for tests
func WithDialer(dialer Dialer) LifecycleOption {
	return func(m *LifecycleManager) {
		m.dialer = dialer
	}
}

// WithConfirms enables or disables publisher confirms
func WithConfirms(enabled bool) LifecycleOption {
	return func(m *LifecycleManager) {
		m.confirms = enabled
	}
}

// WithDeliveryHandler consumes the role's queue once ready
func WithDeliveryHandler(handler DeliveryHandler) LifecycleOption {
	return func(m *LifecycleManager) {
		m.handler = handler
	}
}

// WithMetrics records lifecycle and confirm metrics
func WithMetrics(collector *Collector) LifecycleOption {
	return func(m *LifecycleManager) {
		m.metrics = collector
	}
}

// WithStateListener registers a listener at construction time
func WithStateListener(listener StateListener) LifecycleOption {
	return func(m *LifecycleManager) {
		m.stateListeners = append(m.stateListeners, listener)
	}
}

// NewLifecycleManager creates an idle manager. Nothing is dialed until Start.
func NewLifecycleManager(url string, descriptor Descriptor, role Role, options ...LifecycleOption) *LifecycleManager {
	m := &LifecycleManager{
		url:            url,
		descriptor:     descriptor,
		role:           role,
		dialer:         DialAMQP,
		reconnectDelay: defaultReconnectDelay,
		dialTimeout:    defaultDialTimeout,
		confirms:       true,
		logger:         slog.Default(),
		readyCh:        make(chan struct{}),
		requests:       make(chan request),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(m)
	}

	m.logger = m.logger.With("component", "lifecycle", "role", role.String())
	m.tracker = NewConfirmTracker(m.metrics)
	return m
}

// Start validates the configuration and launches the event-delivery
// goroutine. Only configuration problems are returned; network failures
// are retried in the background.
func (m *LifecycleManager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := amqp.ParseURI(m.url); err != nil {
		return &ConfigurationError{Field: "url", Err: err}
	}
	if err := m.descriptor.Validate(); err != nil {
		return &ConfigurationError{Field: "topology", Err: err}
	}
	if m.reconnectDelay <= 0 {
		return &ConfigurationError{Field: "reconnectDelay", Err: fmt.Errorf("must be positive, got %v", m.reconnectDelay)}
	}

	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		if m.State() == StateClosed {
			return ErrManagerClosed
		}
		return ErrAlreadyStarted
	}
	m.metrics.state(StateConnecting)

	m.logger.Info("starting lifecycle manager",
		"url", SanitizeURL(m.url),
		"exchange", m.descriptor.Exchange.Name,
		"workQueue", m.descriptor.WorkQueue.Name)

	go m.run()
	return nil
}

// Stop closes the channel and the connection and settles in closed. It
// interrupts a pending dial or backoff and is safe to call more than once.
func (m *LifecycleManager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stop)
		if m.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
			m.metrics.state(StateClosed)
			close(m.done)
		}
	})
	<-m.done
	return nil
}

// Done is closed once the manager reached closed
func (m *LifecycleManager) Done() <-chan struct{} {
	return m.done
}

// State returns the current lifecycle state
func (m *LifecycleManager) State() State {
	return State(m.state.Load())
}

// Session returns the ready session, if any
func (m *LifecycleManager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, m.State() == StateReady
}

// Tracker exposes the confirm accounting for diagnostics
func (m *LifecycleManager) Tracker() *ConfirmTracker {
	return m.tracker
}

// Role returns the role the manager sets up
func (m *LifecycleManager) Role() Role {
	return m.role
}

// WaitReady blocks until the manager is ready, ctx ends or the manager closes
func (m *LifecycleManager) WaitReady(ctx context.Context) error {
	m.mu.RLock()
	ready := m.readyCh
	m.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerClosed
	}
}

// Exec runs fn with the channel on the event-delivery goroutine. It is
// refused outside the ready window. fn must not publish; use Publish so
// sequence numbers stay in step with the broker.
func (m *LifecycleManager) Exec(ctx context.Context, fn func(ch Channel) error) error {
	switch m.State() {
	case StateReady:
	case StateClosing, StateClosed:
		return ErrManagerClosed
	default:
		return ErrNotReady
	}

	req := request{fn: fn, result: make(chan error, 1)}
	select {
	case m.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerClosed
	}
	return <-req.result
}

// Publish transmits msg and returns at once with a receipt carrying the
// assigned sequence number. The receipt resolves when the broker confirms.
func (m *LifecycleManager) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (*PublishReceipt, error) {
	var receipt *PublishReceipt
	err := m.Exec(ctx, func(ch Channel) error {
		if m.confirms {
			receipt = m.tracker.Track()
		}
		if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
			pubErr := &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        err,
				Timestamp:  time.Now(),
			}
			if receipt != nil {
				pubErr.Sequence = receipt.Sequence
				m.tracker.Abort(receipt.Sequence, pubErr)
			}
			return pubErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if receipt == nil {
		// Without confirms there is nothing to wait for
		receipt = newPublishReceipt(0)
		receipt.resolve(nil)
	}
	return receipt, nil
}

// AddStateListener adds a readiness listener
func (m *LifecycleManager) AddStateListener(listener StateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.stateListeners = append(m.stateListeners, listener)
}

// RemoveStateListener removes a readiness listener
func (m *LifecycleManager) RemoveStateListener(listener StateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	for i, l := range m.stateListeners {
		if l == listener {
			m.stateListeners = append(m.stateListeners[:i], m.stateListeners[i+1:]...)
			break
		}
	}
}

// run is the event-delivery goroutine
func (m *LifecycleManager) run() {
	defer close(m.done)

	for attempt := 1; ; attempt++ {
		err := m.runSession(attempt)
		if errors.Is(err, errStopped) {
			m.setState(StateClosing)
			m.setState(StateClosed)
			m.logger.Info("lifecycle manager stopped")
			return
		}

		m.enterReconnectWait(err)
		if !m.waitBackoff() {
			m.setState(StateClosing)
			m.setState(StateClosed)
			m.logger.Info("lifecycle manager stopped")
			return
		}
	}
}

// session is the per-connection state owned by the event-delivery goroutine
type session struct {
	conn       Connection
	ch         Channel
	connClose  chan *amqp.Error
	chanClose  chan *amqp.Error
	cancels    chan string
	confirms   chan amqp.Confirmation
	deliveries <-chan amqp.Delivery
	queue      string
	generation uint64
}

// runSession performs one connect-to-closure cycle. The returned error is
// the reason the session ended.
func (m *LifecycleManager) runSession(attempt int) error {
	m.setState(StateConnecting)
	conn, err := m.dial(attempt)
	if err != nil {
		return err
	}

	s := &session{conn: conn}
	s.connClose = conn.NotifyClose(make(chan *amqp.Error, 1))

	m.setState(StateChannelOpening)
	ch, err := conn.Channel()
	if err != nil {
		m.teardown(s)
		return &ConnectionError{Op: "open channel", URL: SanitizeURL(m.url), Err: err, Timestamp: time.Now()}
	}
	s.ch = ch
	s.chanClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	s.cancels = ch.NotifyCancel(make(chan string, 1))

	m.setState(StateTopologySetup)
	result, err := SetupTopology(ch, m.descriptor, m.role)
	if err != nil {
		m.teardown(s)
		return err
	}
	m.logger.Debug("topology established", "steps", result.Completed, "replyQueue", result.ReplyQueue)

	// Sequence numbers restart with every channel
	m.tracker.Reset()
	if m.confirms {
		if err := ch.Confirm(false); err != nil {
			m.teardown(s)
			return &ConnectionError{Op: "enable confirms", URL: SanitizeURL(m.url), Err: err, Timestamp: time.Now()}
		}
		s.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	}

	if m.handler != nil {
		deliveries, tag, err := startConsumer(ch, m.role, result)
		if err != nil {
			m.teardown(s)
			return err
		}
		s.deliveries = deliveries
		s.queue = result.ConsumeQueue
		m.logger.Debug("consuming", "queue", result.ConsumeQueue, "consumerTag", tag)
	}

	m.generation++
	s.generation = m.generation
	m.becomeReady(Session{
		Generation:   s.generation,
		ReplyQueue:   result.ReplyQueue,
		ConsumeQueue: result.ConsumeQueue,
	}, attempt)

	err = m.serve(s)
	if errors.Is(err, errStopped) {
		m.setState(StateClosing)
		m.leaveReady(fmt.Errorf("%w: %w", ErrIndeterminate, ErrManagerClosed))
		m.tracker.Reset()
		m.teardown(s)
		return err
	}

	m.setState(StateReconnectWait)
	m.leaveReady(fmt.Errorf("%w: %w", ErrIndeterminate, err))
	m.teardown(s)
	return err
}

// dial connects in a helper goroutine so the loop stays responsive to Stop
func (m *LifecycleManager) dial(attempt int) (Connection, error) {
	type dialResult struct {
		conn Connection
		err  error
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := m.dialer(m.url)
		results <- dialResult{conn: conn, err: err}
	}()

	abandon := func() {
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	timeout := time.NewTimer(m.dialTimeout)
	defer timeout.Stop()

	for {
		select {
		case r := <-results:
			if r.err != nil {
				return nil, &ConnectionError{
					Op:        "dial",
					URL:       SanitizeURL(m.url),
					Err:       r.err,
					Timestamp: time.Now(),
					Attempts:  attempt,
				}
			}
			m.logger.Info("connected to broker", "url", SanitizeURL(m.url), "attempt", attempt)
			return r.conn, nil

		case <-timeout.C:
			abandon()
			return nil, &ConnectionError{
				Op:        "dial",
				URL:       SanitizeURL(m.url),
				Err:       ErrDialTimeout,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}

		case <-m.stop:
			abandon()
			return nil, errStopped

		case req := <-m.requests:
			req.result <- ErrNotReady
		}
	}
}

// serve processes broker events until the session ends
func (m *LifecycleManager) serve(s *session) error {
	for {
		select {
		case <-m.stop:
			return errStopped

		case amqpErr, ok := <-s.connClose:
			return closeCause(ErrConnectionClosed, amqpErr, ok)

		case amqpErr, ok := <-s.chanClose:
			return closeCause(ErrChannelClosed, amqpErr, ok)

		case tag, ok := <-s.cancels:
			if !ok {
				return ErrChannelClosed
			}
			m.logger.Warn("consumer was cancelled remotely, closing channel", "consumerTag", tag)
			return fmt.Errorf("%w: %s", ErrConsumerCancelled, tag)

		case confirm, ok := <-s.confirms:
			if !ok {
				return ErrChannelClosed
			}
			settled := m.tracker.Confirm(confirm.DeliveryTag, confirm.Ack, false)
			if !confirm.Ack {
				m.logger.Warn("publish nacked by broker", "deliveryTag", confirm.DeliveryTag)
			}
			if settled == 0 {
				m.logger.Debug("confirmation for unknown delivery tag", "deliveryTag", confirm.DeliveryTag)
			}

		case d, ok := <-s.deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			m.metrics.delivery()
			m.handler(newDelivery(d, s.queue, s.generation))

		case req := <-m.requests:
			req.result <- m.execute(s.ch, req.fn)
		}
	}
}

// execute runs a request with panic recovery
func (m *LifecycleManager) execute(ch Channel, fn func(Channel) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

// teardown closes the channel, then the connection, and drains the
// notification streams so the client library never blocks on them.
func (m *LifecycleManager) teardown(s *session) {
	if s.confirms != nil {
		go func(c chan amqp.Confirmation) {
			for range c {
			}
		}(s.confirms)
	}
	if s.deliveries != nil {
		go func(d <-chan amqp.Delivery) {
			for range d {
			}
		}(s.deliveries)
	}

	if s.ch != nil && !s.ch.IsClosed() {
		if err := s.ch.Close(); err != nil {
			m.logger.Debug("closing channel", "error", err)
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			m.logger.Debug("closing connection", "error", err)
		}
	}
}

// enterReconnectWait discards per-connection state after a failure
func (m *LifecycleManager) enterReconnectWait(cause error) {
	dropped := m.tracker.Reset()
	m.setState(StateReconnectWait)
	m.metrics.reconnect()
	m.logger.Warn("connection lost, reconnecting",
		"error", cause,
		"delay", m.reconnectDelay,
		"indeterminateConfirms", dropped)
}

// waitBackoff sleeps one reconnect delay. It returns false on Stop.
func (m *LifecycleManager) waitBackoff() bool {
	timer := time.NewTimer(m.reconnectDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case <-m.stop:
			return false
		case req := <-m.requests:
			req.result <- ErrNotReady
		}
	}
}

// becomeReady runs the listeners before releasing WaitReady, so a caller
// that waited can use every component that listens for readiness.
func (m *LifecycleManager) becomeReady(s Session, attempt int) {
	m.mu.Lock()
	m.session = s
	m.setState(StateReady)
	m.mu.Unlock()

	m.logger.Info("channel ready",
		"generation", s.Generation,
		"consumeQueue", s.ConsumeQueue,
		"attempt", attempt)

	m.listenersMu.RLock()
	for _, listener := range m.stateListeners {
		listener.OnReady(s)
	}
	m.listenersMu.RUnlock()

	m.mu.Lock()
	close(m.readyCh)
	m.mu.Unlock()
}

// leaveReady is called exactly once per becomeReady
func (m *LifecycleManager) leaveReady(err error) {
	m.mu.Lock()
	m.session = Session{}
	m.readyCh = make(chan struct{})
	m.mu.Unlock()

	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, listener := range m.stateListeners {
		listener.OnUnready(err)
	}
}

func (m *LifecycleManager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	m.metrics.state(s)
	if prev != s {
		m.logger.Debug("lifecycle transition", "from", prev.String(), "to", s.String())
	}
}

func closeCause(base error, amqpErr *amqp.Error, ok bool) error {
	if !ok || amqpErr == nil {
		return base
	}
	return fmt.Errorf("%w: %v", base, amqpErr)
}
