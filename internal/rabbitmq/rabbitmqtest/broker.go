// Package rabbitmqtest provides an in-memory broker that speaks the
// rabbitmq.Connection and rabbitmq.Channel interfaces. It routes, confirms,
// tracks acknowledgments and can drop every connection on demand, which is
// enough to run callers and workers against each other in tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glimte/avista-control/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBrokerDown is returned by Dial while the broker refuses connections
var ErrBrokerDown = errors.New("rabbitmqtest: connection refused")

const bufferSize = 256

// Broker is an in-memory message broker. All state is guarded by one mutex;
// notifications are sent without blocking while it is held.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  map[string][]binding
	conns     map[*conn]struct{}
	dials     int
	down      bool
	nackAll   bool
	genSeq    int
}

type binding struct {
	queue string
	key   string
}

type message struct {
	exchange    string
	key         string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *conn
	ready      []message
	consumers  []*consumer
	next       int
}

type consumer struct {
	tag     string
	queue   *queue
	ch      *channel
	autoAck bool
	out     chan amqp.Delivery
	unacked int
}

type inflight struct {
	msg      message
	consumer *consumer
}

// NewBroker creates an empty broker with the default exchange
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]string{"": amqp.ExchangeDirect},
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
		conns:     make(map[*conn]struct{}),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.down {
		return nil, ErrBrokerDown
	}
	c := &conn{broker: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// Dials returns how many connection attempts were made
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetDown makes Dial fail until called again with false
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// NackPublishes makes the broker nack every publish until called with false
func (b *Broker) NackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackAll = nack
}

// DropConnections force-closes every open connection, as a broker restart would
func (b *Broker) DropConnections(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := &amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true}
	for c := range b.conns {
		b.closeConn(c, err)
	}
}

// QueueDepth returns the number of messages waiting in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Bindings returns the number of bindings from an exchange
func (b *Broker) Bindings(exchange string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings[exchange])
}

func (b *Broker) route(exchange, key string) []*queue {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}
		}
		return nil
	}

	kind := b.exchanges[exchange]
	seen := make(map[string]bool)
	var out []*queue
	for _, bd := range b.bindings[exchange] {
		var match bool
		switch kind {
		case amqp.ExchangeFanout:
			match = true
		case amqp.ExchangeTopic:
			match = TopicMatch(bd.key, key)
		default:
			match = bd.key == key
		}
		if match && !seen[bd.queue] {
			if q, ok := b.queues[bd.queue]; ok {
				seen[bd.queue] = true
				out = append(out, q)
			}
		}
	}
	return out
}

// pump hands ready messages to consumers with spare prefetch capacity
func (b *Broker) pump(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.autoAck || c.ch.prefetch == 0 || c.unacked < c.ch.prefetch {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		msg := q.ready[0]
		ch := target.ch
		ch.nextTag++
		d := delivery(msg, target.tag, ch.nextTag)
		select {
		case target.out <- d:
		default:
			return
		}
		q.ready = q.ready[1:]
		if !target.autoAck {
			ch.unacked[ch.nextTag] = inflight{msg: msg, consumer: target}
			target.unacked++
		}
	}
}

func delivery(msg message, consumerTag string, tag uint64) amqp.Delivery {
	p := msg.pub
	return amqp.Delivery{
		Headers:       p.Headers,
		ContentType:   p.ContentType,
		DeliveryMode:  p.DeliveryMode,
		CorrelationId: p.CorrelationId,
		ReplyTo:       p.ReplyTo,
		MessageId:     p.MessageId,
		Timestamp:     p.Timestamp,
		AppId:         p.AppId,
		ConsumerTag:   consumerTag,
		DeliveryTag:   tag,
		Redelivered:   msg.redelivered,
		Exchange:      msg.exchange,
		RoutingKey:    msg.key,
		Body:          p.Body,
	}
}

func (b *Broker) removeConsumer(c *consumer) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	close(c.out)
}

func (b *Broker) closeChannel(ch *channel, err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	touched := make(map[*queue]struct{})
	for _, f := range ch.sortedUnacked() {
		f.msg.redelivered = true
		q := f.consumer.queue
		q.ready = append([]message{f.msg}, q.ready...)
		touched[q] = struct{}{}
	}
	ch.unacked = nil

	for _, c := range ch.consumers {
		b.removeConsumer(c)
		touched[c.queue] = struct{}{}
	}
	ch.consumers = nil

	for _, n := range ch.notifyClose {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	for _, n := range ch.notifyPublish {
		close(n)
	}
	for _, n := range ch.notifyCancel {
		close(n)
	}

	for q := range touched {
		if _, alive := b.queues[q.name]; alive {
			b.pump(q)
		}
	}
}

func (b *Broker) closeConn(c *conn, err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	delete(b.conns, c)

	for _, ch := range c.channels {
		b.closeChannel(ch, err)
	}
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueue(name)
		}
	}
	for _, n := range c.notifyClose {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
}

func (b *Broker) deleteQueue(name string) {
	delete(b.queues, name)
	for ex, bds := range b.bindings {
		kept := bds[:0]
		for _, bd := range bds {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		b.bindings[ex] = kept
	}
}

// TopicMatch reports whether an AMQP topic pattern matches a routing key.
// * matches exactly one word and # matches zero or more words.
func TopicMatch(pattern, key string) bool {
	if pattern == "#" {
		return true
	}
	var keyParts []string
	if key != "" {
		keyParts = strings.Split(key, ".")
	}
	return matchWords(strings.Split(pattern, "."), keyParts)
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && key[0] == pattern[0] && matchWords(pattern[1:], key[1:])
	}
}

type conn struct {
	broker      *Broker
	closed      bool
	channels    []*channel
	notifyClose []chan *amqp.Error
}

func (c *conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{conn: c, unacked: make(map[uint64]inflight)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyClose = append(c.notifyClose, receiver)
	return receiver
}

func (c *conn) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	b.closeConn(c, nil)
	return nil
}

func (c *conn) IsClosed() bool {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.closed
}

type channel struct {
	conn          *conn
	closed        bool
	confirm       bool
	prefetch      int
	nextPublish   uint64
	nextTag       uint64
	unacked       map[uint64]inflight
	consumers     []*consumer
	notifyClose   []chan *amqp.Error
	notifyPublish []chan amqp.Confirmation
	notifyCancel  []chan string
}

func (ch *channel) sortedUnacked() []inflight {
	out := make([]inflight, 0, len(ch.unacked))
	for tag := uint64(1); tag <= ch.nextTag; tag++ {
		if f, ok := ch.unacked[tag]; ok {
			out = append(out, f)
		}
	}
	// Requeued to the front in reverse so the original order is kept
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// fail closes the channel with a broker error, the way a channel exception does
func (ch *channel) fail(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.conn.broker.closeChannel(ch, err)
	return err
}

func (ch *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.genSeq++
		name = fmt.Sprintf("amq.gen-%d", b.genSeq)
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, ch.fail(amqp.ResourceLocked, fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name))
		}
		if q.durable != durable {
			return amqp.Queue{}, ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

func (ch *channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	for _, bd := range b.bindings[exchange] {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: name, key: key})
	return nil
}

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *channel) Confirm(noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if exclusive && len(q.consumers) > 0 {
		return nil, ch.fail(amqp.AccessRefused, fmt.Sprintf("ACCESS_REFUSED - queue '%s' in exclusive use", queueName))
	}
	if tag == "" {
		tag = fmt.Sprintf("amq.ctag-%d", time.Now().UnixNano())
	}

	c := &consumer{tag: tag, queue: q, ch: ch, autoAck: autoAck, out: make(chan amqp.Delivery, bufferSize)}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.pump(q)
	return c.out, nil
}

func (ch *channel) Cancel(tag string, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range ch.consumers {
		if c.tag == tag {
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			b.removeConsumer(c)
			return nil
		}
	}
	return nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	// rejected by the client before a delivery tag is taken
	if err := msg.Headers.Validate(); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchange]; !ok {
		// Asynchronous channel exception, like a real broker
		ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
		return nil
	}

	m := message{exchange: exchange, key: key, pub: msg}
	if !b.nackAll {
		for _, q := range b.route(exchange, key) {
			q.ready = append(q.ready, m)
			b.pump(q)
		}
	}

	if ch.confirm {
		ch.nextPublish++
		conf := amqp.Confirmation{DeliveryTag: ch.nextPublish, Ack: !b.nackAll}
		for _, n := range ch.notifyPublish {
			select {
			case n <- conf:
			default:
			}
		}
	}
	return nil
}

func (ch *channel) settle(tag uint64, requeue bool, ack bool) error {
	f, ok := ch.unacked[tag]
	if !ok {
		return ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}
	delete(ch.unacked, tag)
	f.consumer.unacked--

	q := f.consumer.queue
	if !ack && requeue {
		f.msg.redelivered = true
		q.ready = append([]message{f.msg}, q.ready...)
	}
	ch.conn.broker.pump(q)
	return nil
}

func (ch *channel) Ack(tag uint64, multiple bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	return ch.settle(tag, false, true)
}

func (ch *channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	return ch.settle(tag, requeue, false)
}

func (ch *channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.notifyPublish = append(ch.notifyPublish, confirm)
	return confirm
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notifyClose = append(ch.notifyClose, receiver)
	return receiver
}

func (ch *channel) NotifyCancel(receiver chan string) chan string {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notifyCancel = append(ch.notifyCancel, receiver)
	return receiver
}

func (ch *channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChannel(ch, nil)
	return nil
}

func (ch *channel) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}
