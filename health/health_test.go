package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/avista-control/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) CheckResult {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Status: c.status}
}

type stateFunc func() rabbitmq.State

func (f stateFunc) State() rabbitmq.State { return f() }

type statsFunc func() rabbitmq.ConfirmStats

func (f statsFunc) Stats() rabbitmq.ConfirmStats { return f() }

type pendingFunc func() int

func (f pendingFunc) Pending() int { return f() }

type openFunc func() bool

func (f openFunc) Open() bool { return f() }

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker{name: "a", status: StatusHealthy})
		r.Register(staticChecker{name: "b", status: StatusDegraded})
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

		r.Register(staticChecker{name: "c", status: StatusUnhealthy})
		report := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	})

	t.Run("slow check times out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker{name: "fast", status: StatusHealthy})
		r.Register(staticChecker{name: "slow", status: StatusHealthy, delay: time.Second})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		report := r.Check(ctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})
}

func TestLifecycleChecker(t *testing.T) {
	tests := []struct {
		state rabbitmq.State
		want  Status
	}{
		{rabbitmq.StateReady, StatusHealthy},
		{rabbitmq.StateConnecting, StatusDegraded},
		{rabbitmq.StateTopologySetup, StatusDegraded},
		{rabbitmq.StateReconnectWait, StatusDegraded},
		{rabbitmq.StateIdle, StatusUnhealthy},
		{rabbitmq.StateClosed, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			checker := NewLifecycleChecker("caller", stateFunc(func() rabbitmq.State { return tt.state }))
			result := checker.Check(context.Background())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.state.String(), result.Details["state"])
		})
	}
}

func TestThresholdCheckers(t *testing.T) {
	t.Run("confirms degrade above the pending limit", func(t *testing.T) {
		pending := 3
		checker := NewConfirmChecker(statsFunc(func() rabbitmq.ConfirmStats {
			return rabbitmq.ConfirmStats{Published: 10, Acked: 7, Pending: pending}
		}), 5)

		assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
		pending = 6
		assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)
	})

	t.Run("calls degrade above the pending limit", func(t *testing.T) {
		checker := NewCallChecker(pendingFunc(func() int { return 11 }), 10)
		result := checker.Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, 11, result.Details["pending"])
	})

	t.Run("portal degrades while the breaker is open", func(t *testing.T) {
		open := false
		checker := NewPortalChecker(openFunc(func() bool { return open }))

		assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
		open = true
		assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)
	})

	t.Run("runtime reports goroutines", func(t *testing.T) {
		result := NewRuntimeChecker(0, 0).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "goroutines")
	})
}

func TestHandler(t *testing.T) {
	serve := func(r *Registry, method string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(method, "/healthz", nil))
		return rec
	}

	t.Run("healthy is 200 with a JSON report", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker{name: "caller", status: StatusHealthy})

		rec := serve(r, http.MethodGet)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Contains(t, report.Checks, "caller")
	})

	t.Run("degraded is still 200", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker{name: "caller", status: StatusDegraded})
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet).Code)
	})

	t.Run("unhealthy is 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker{name: "caller", status: StatusUnhealthy})
		assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodGet).Code)
	})

	t.Run("only GET", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, serve(NewRegistry(), http.MethodPost).Code)
	})
}
