package rabbitmq

import (
	"sync"
)

// PublishReceipt resolves once the broker confirms, rejects, or the
// connection carrying the publish is lost.
type PublishReceipt struct {
	Sequence uint64

	done chan struct{}
	err  error
}

func newPublishReceipt(seq uint64) *PublishReceipt {
	return &PublishReceipt{Sequence: seq, done: make(chan struct{})}
}

// Done is closed when the outcome is known
func (r *PublishReceipt) Done() <-chan struct{} {
	return r.done
}

// Err returns nil for an ack, ErrPublishNacked for a nack and
// ErrIndeterminate when the connection was lost first. Only valid after Done.
func (r *PublishReceipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *PublishReceipt) resolve(err error) {
	r.err = err
	close(r.done)
}

// ConfirmStats is a snapshot of the tracker counters
type ConfirmStats struct {
	Published     uint64 // publishes on the current connection
	Acked         uint64 // acks on the current connection
	Nacked        uint64 // nacks on the current connection
	Pending       int    // published, not yet confirmed
	Indeterminate uint64 // dropped on connection loss, since construction
}

// ConfirmTracker tracks in-flight publishes by sequence number and
// reconciles broker confirmations against them. All mutation happens on
// the event-delivery goroutine; the mutex only serializes diagnostic reads.
type ConfirmTracker struct {
	mu            sync.Mutex
	sequence      uint64
	pending       map[uint64]*PublishReceipt
	acked         uint64
	nacked        uint64
	indeterminate uint64
	metrics       *Collector
}

// NewConfirmTracker creates an empty tracker
func NewConfirmTracker(metrics *Collector) *ConfirmTracker {
	return &ConfirmTracker{
		pending: make(map[uint64]*PublishReceipt),
		metrics: metrics,
	}
}

// Reset starts accounting for a fresh connection. Outstanding publishes
// can no longer be confirmed and are resolved as indeterminate. It returns
// how many were dropped.
func (t *ConfirmTracker) Reset() int {
	t.mu.Lock()
	dropped := t.pending
	t.pending = make(map[uint64]*PublishReceipt)
	t.sequence = 0
	t.acked = 0
	t.nacked = 0
	t.indeterminate += uint64(len(dropped))
	t.mu.Unlock()

	for _, receipt := range dropped {
		receipt.resolve(ErrIndeterminate)
	}
	t.metrics.indeterminate(len(dropped))
	t.metrics.pending(0)
	return len(dropped)
}

// Track assigns the next sequence number and records it as pending
func (t *ConfirmTracker) Track() *PublishReceipt {
	t.mu.Lock()
	t.sequence++
	receipt := newPublishReceipt(t.sequence)
	t.pending[receipt.Sequence] = receipt
	n := len(t.pending)
	t.mu.Unlock()

	t.metrics.published()
	t.metrics.pending(n)
	return receipt
}

// Abort forgets a sequence whose transmission failed. amqp091 hands the
// delivery tag back when a send fails, so the latest sequence is released
// for the next publish.
func (t *ConfirmTracker) Abort(seq uint64, err error) {
	t.mu.Lock()
	receipt, ok := t.pending[seq]
	delete(t.pending, seq)
	if ok && seq == t.sequence {
		t.sequence--
	}
	n := len(t.pending)
	t.mu.Unlock()

	if ok {
		receipt.resolve(err)
		t.metrics.publishFailed()
	}
	t.metrics.pending(n)
}

// Confirm applies a broker ack or nack. With multiple set, every pending
// sequence up to and including tag is settled. It returns the number of
// pending deliveries that were settled.
func (t *ConfirmTracker) Confirm(tag uint64, ack, multiple bool) int {
	var settled []*PublishReceipt

	t.mu.Lock()
	if multiple {
		for seq, receipt := range t.pending {
			if seq <= tag {
				settled = append(settled, receipt)
				delete(t.pending, seq)
			}
		}
	} else if receipt, ok := t.pending[tag]; ok {
		settled = append(settled, receipt)
		delete(t.pending, tag)
	}
	if ack {
		t.acked += uint64(len(settled))
	} else {
		t.nacked += uint64(len(settled))
	}
	n := len(t.pending)
	t.mu.Unlock()

	var outcome error
	if !ack {
		outcome = ErrPublishNacked
	}
	for _, receipt := range settled {
		receipt.resolve(outcome)
	}
	t.metrics.confirmed(ack, len(settled))
	t.metrics.pending(n)
	return len(settled)
}

// Stats returns the current counters
func (t *ConfirmTracker) Stats() ConfirmStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ConfirmStats{
		Published:     t.sequence,
		Acked:         t.acked,
		Nacked:        t.nacked,
		Pending:       len(t.pending),
		Indeterminate: t.indeterminate,
	}
}
