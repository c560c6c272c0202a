package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/avista-control/contracts"
)

// ErrPortalUnavailable is returned while the breaker refuses portal requests
var ErrPortalUnavailable = errors.New("poller: portal unavailable")

// BreakerState is the state of a Breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerError describes a refused request
type BreakerError struct {
	Op       string
	Failures int
	RetryAt  time.Time
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("portal breaker open: %s refused after %d failures, retry at %s",
		e.Op, e.Failures, e.RetryAt.Format(time.RFC3339))
}

func (e *BreakerError) Is(target error) bool {
	return target == ErrPortalUnavailable
}

// Breaker stops portal traffic after repeated transport failures and lets a
// single trial request through once the cool-down has passed.
type Breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
	threshold     int
	coolDown      time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCoolDown sets how long the breaker stays open before letting a trial request through
func WithCoolDown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.coolDown = d
		}
	}
}

// WithBreakerLogger sets the logger for state changes
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// NewBreaker creates a closed breaker
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		threshold: 5,
		coolDown:  30 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "portal-breaker")
	return b
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Open reports whether portal requests are being refused
func (b *Breaker) Open() bool {
	return b.State() != BreakerClosed
}

// Execute runs fn unless the breaker is open. Only errors for which
// countsAsFailure returns true move the breaker towards open.
func (b *Breaker) Execute(ctx context.Context, op string, fn func() error) error {
	if err := b.acquire(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		b.release()
		return err
	}

	err := fn()
	if ctx.Err() != nil || errors.Is(err, ErrPortalUnavailable) {
		b.release()
		return err
	}
	b.record(err)
	return err
}

func (b *Breaker) acquire(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		next := b.openedAt.Add(b.coolDown)
		if b.now().Before(next) {
			return &BreakerError{Op: op, Failures: b.failures, RetryAt: next}
		}
		b.transition(BreakerHalfOpen, "cool-down elapsed")
		fallthrough
	case BreakerHalfOpen:
		if b.trialInFlight {
			return &BreakerError{Op: op, Failures: b.failures, RetryAt: b.now().Add(time.Second)}
		}
		b.trialInFlight = true
	}
	return nil
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false

	if !countsAsFailure(err) {
		b.failures = 0
		if b.state != BreakerClosed {
			b.transition(BreakerClosed, "trial request succeeded")
		}
		return
	}

	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.openedAt = b.now()
		b.transition(BreakerOpen, "trial request failed")
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen, fmt.Sprintf("failure threshold reached (%d/%d)", b.failures, b.threshold))
		}
	}
}

// caller holds b.mu
func (b *Breaker) transition(to BreakerState, reason string) {
	from := b.state
	b.state = to
	b.logger.Info("portal breaker state changed", "from", from, "to", to, "reason", reason)
}

// countsAsFailure is true for transport errors and retryable statuses; a
// portal that answers with a client error or bad JSON is still reachable.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return !errors.Is(err, contracts.ErrMalformedPayload)
}
