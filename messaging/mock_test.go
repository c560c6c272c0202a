package messaging

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// mockTransport records publishes through testify and lets tests drive
// deliveries and readiness the way the event goroutine would.
type mockTransport struct {
	mock.Mock

	mu        sync.Mutex
	handler   DeliveryHandler
	listeners []ConnectionListener
	published []Message
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Publish(ctx context.Context, exchange, routingKey string, msg Message) (Receipt, error) {
	m.mu.Lock()
	m.published = append(m.published, msg)
	m.mu.Unlock()

	args := m.Called(ctx, exchange, routingKey, msg)
	var receipt Receipt
	if r := args.Get(0); r != nil {
		receipt = r.(Receipt)
	}
	return receipt, args.Error(1)
}

func (m *mockTransport) Subscribe(handler DeliveryHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		return ErrAlreadySubscribed
	}
	m.handler = handler
	return nil
}

func (m *mockTransport) AddConnectionListener(listener ConnectionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *mockTransport) Start(ctx context.Context) error { return nil }

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) IsReady() bool { return true }

func (m *mockTransport) ready(session Session) {
	m.mu.Lock()
	listeners := append([]ConnectionListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnReady(session)
	}
}

func (m *mockTransport) unready(err error) {
	m.mu.Lock()
	listeners := append([]ConnectionListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnUnready(err)
	}
}

func (m *mockTransport) deliver(d TransportDelivery) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	handler(d)
}

func (m *mockTransport) lastPublished() Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published[len(m.published)-1]
}

// fakeReceipt is a Receipt the test resolves by hand
type fakeReceipt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func pendingReceipt() *fakeReceipt {
	return &fakeReceipt{done: make(chan struct{})}
}

func resolvedReceipt(err error) *fakeReceipt {
	r := pendingReceipt()
	r.resolve(err)
	return r
}

func (r *fakeReceipt) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *fakeReceipt) Done() <-chan struct{} { return r.done }

func (r *fakeReceipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// mockDelivery is a TransportDelivery with mocked settlement
type mockDelivery struct {
	mock.Mock
	msg Message
}

func newMockDelivery(msg Message) *mockDelivery {
	return &mockDelivery{msg: msg}
}

func (d *mockDelivery) Message() Message { return d.msg }

func (d *mockDelivery) Acknowledge(ctx context.Context) error {
	args := d.Called()
	return args.Error(0)
}

func (d *mockDelivery) Reject(ctx context.Context, requeue bool) error {
	args := d.Called(requeue)
	return args.Error(0)
}

// replyDelivery is a reply as the caller's auto-ack consumer sees it
type replyDelivery struct {
	msg Message
}

func (d replyDelivery) Message() Message { return d.msg }

func (d replyDelivery) Acknowledge(context.Context) error { return nil }

func (d replyDelivery) Reject(context.Context, bool) error { return nil }
