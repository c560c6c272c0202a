// Package poller talks to the portal over HTTP: it fetches pending tasks
// and posts results back.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/avista-control/contracts"
)

// DataSource produces a finite, possibly empty, batch of tasks per call
type DataSource interface {
	FetchPending(ctx context.Context) ([]contracts.Task, error)
}

// ResultSink delivers a completed response to the portal
type ResultSink interface {
	Submit(ctx context.Context, response contracts.Response) error
}

// Watermark is the creation time of the newest task handled. It only
// moves forward.
type Watermark struct {
	mu sync.RWMutex
	t  time.Time
}

// NewWatermark starts at t
func NewWatermark(t time.Time) *Watermark {
	return &Watermark{t: t}
}

// Get returns the current value
func (w *Watermark) Get() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.t
}

// Advance moves the watermark to t if t is newer and reports whether it moved
func (w *Watermark) Advance(t time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !t.After(w.t) {
		return false
	}
	w.t = t
	return true
}
