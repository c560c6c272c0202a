package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker hands out in-memory connections that mimic amqp091 closure
// semantics closely enough to drive the lifecycle manager.
type fakeBroker struct {
	mu        sync.Mutex
	dials     []time.Time
	dialErrs  []error
	failAll   error
	block     chan struct{}
	conns     []*fakeConn
	replySeq  int
	failSteps map[string]error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failSteps: make(map[string]error)}
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	b.dials = append(b.dials, time.Now())
	block := b.block
	var err error
	if len(b.dialErrs) > 0 {
		err, b.dialErrs = b.dialErrs[0], b.dialErrs[1:]
	} else if b.failAll != nil {
		err = b.failAll
	}
	b.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}

	conn := &fakeConn{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dials)
}

func (b *fakeBroker) dialTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.dials...)
}

// failStepOnce makes the named channel call fail the next time it runs
func (b *fakeBroker) failStepOnce(step string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSteps[step] = err
}

func (b *fakeBroker) takeStepErr(step string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.failSteps[step]
	delete(b.failSteps, step)
	return err
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) lastChannel() *fakeChannel {
	conn := b.lastConn()
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.channels) == 0 {
		return nil
	}
	return conn.channels[len(conn.channels)-1]
}

type fakeConn struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (Channel, error) {
	if err := c.broker.takeStepErr("channel"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fail simulates the broker dropping the connection
func (c *fakeConn) fail(reason string) {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
}

func (c *fakeConn) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, n := range notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
}

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	broker *fakeBroker

	mu         sync.Mutex
	closed     bool
	calls      []string
	publishes  []publishCall
	acks       []uint64
	nacks      []uint64
	prefetch   int
	confirms   []chan amqp.Confirmation
	notify     []chan *amqp.Error
	cancels    []chan string
	deliveries chan amqp.Delivery
	consumer   string
	autoAck    bool
}

func (c *fakeChannel) record(call string) error {
	if err := c.broker.takeStepErr(call); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := c.record("exchange-declare"); err != nil {
		return err
	}
	c.note("exchange-declare " + name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.record("queue-declare"); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		c.broker.mu.Lock()
		c.broker.replySeq++
		name = fmt.Sprintf("amq.gen-%d", c.broker.replySeq)
		c.broker.mu.Unlock()
	}
	c.note("queue-declare " + name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := c.record("queue-bind"); err != nil {
		return err
	}
	c.note(fmt.Sprintf("queue-bind %s %s %s", exchange, name, key))
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := c.record("qos"); err != nil {
		return err
	}
	c.mu.Lock()
	c.prefetch = prefetchCount
	c.mu.Unlock()
	c.note(fmt.Sprintf("qos %d", prefetchCount))
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	if err := c.record("confirm"); err != nil {
		return err
	}
	c.note("confirm")
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.record("consume"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = make(chan amqp.Delivery, 16)
	c.consumer = consumer
	c.autoAck = autoAck
	c.calls = append(c.calls, fmt.Sprintf("consume %s auto-ack=%t", queue, autoAck))
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	return c.record("cancel")
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := c.broker.takeStepErr("publish"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.publishes = append(c.publishes, publishCall{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.acks = append(c.acks, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.nacks = append(c.nacks, tag)
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = append(c.confirms, confirm)
	return confirm
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeChannel) NotifyCancel(receiver chan string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, receiver)
	return receiver
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) note(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, line)
}

func (c *fakeChannel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify, confirms, cancels, deliveries := c.notify, c.confirms, c.cancels, c.deliveries
	c.mu.Unlock()

	for _, n := range notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	for _, n := range confirms {
		close(n)
	}
	for _, n := range cancels {
		close(n)
	}
	if deliveries != nil {
		close(deliveries)
	}
}

// confirm sends a broker confirmation for tag
func (c *fakeChannel) confirm(tag uint64, ack bool) {
	c.mu.Lock()
	confirms := c.confirms
	c.mu.Unlock()
	for _, n := range confirms {
		n <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	}
}

// deliver pushes a message to the active consumer
func (c *fakeChannel) deliver(d amqp.Delivery) {
	c.mu.Lock()
	deliveries := c.deliveries
	c.mu.Unlock()
	deliveries <- d
}

// cancel simulates basic.cancel from the broker, e.g. a deleted queue
func (c *fakeChannel) cancel() {
	c.mu.Lock()
	cancels, tag := c.cancels, c.consumer
	c.mu.Unlock()
	for _, n := range cancels {
		n <- tag
	}
}

func (c *fakeChannel) published() []publishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishCall(nil), c.publishes...)
}

func (c *fakeChannel) recordedCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) ackedTags() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.acks...)
}

func (c *fakeChannel) nackedTags() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.nacks...)
}

// listenerFuncs adapts plain functions to StateListener
type listenerFuncs struct {
	onReady   func(Session)
	onUnready func(error)
}

func (l listenerFuncs) OnReady(s Session) {
	if l.onReady != nil {
		l.onReady(s)
	}
}

func (l listenerFuncs) OnUnready(err error) {
	if l.onUnready != nil {
		l.onUnready(err)
	}
}

// recordingListener captures readiness transitions
type recordingListener struct {
	ready   chan Session
	unready chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		ready:   make(chan Session, 16),
		unready: make(chan error, 16),
	}
}

func (l *recordingListener) OnReady(s Session) { l.ready <- s }

func (l *recordingListener) OnUnready(err error) { l.unready <- err }

func (l *recordingListener) nextReady(timeout time.Duration) (Session, error) {
	select {
	case s := <-l.ready:
		return s, nil
	case <-time.After(timeout):
		return Session{}, errors.New("timed out waiting for ready")
	}
}

func (l *recordingListener) nextUnready(timeout time.Duration) (error, bool) {
	select {
	case err := <-l.unready:
		return err, true
	case <-time.After(timeout):
		return nil, false
	}
}
