package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/glimte/avista-control/internal/rabbitmq"
)

// StateSource exposes the lifecycle state of a broker session.
// *rabbitmq.LifecycleManager satisfies it.
type StateSource interface {
	State() rabbitmq.State
}

// LifecycleChecker maps the lifecycle state onto a health status
type LifecycleChecker struct {
	name   string
	source StateSource
}

// NewLifecycleChecker creates a checker named after the role it watches
func NewLifecycleChecker(name string, source StateSource) *LifecycleChecker {
	return &LifecycleChecker{name: name, source: source}
}

func (c *LifecycleChecker) Name() string {
	return c.name
}

func (c *LifecycleChecker) Check(ctx context.Context) CheckResult {
	state := c.source.State()
	result := CheckResult{
		Details: map[string]interface{}{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateReady:
		result.Status = StatusHealthy
		result.Message = "session ready"
	case rabbitmq.StateClosing, rabbitmq.StateClosed, rabbitmq.StateIdle:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("session %s", state)
	default:
		result.Status = StatusDegraded
		result.Message = "reconnecting"
	}
	return result
}

// StatsSource exposes publisher confirm counters.
// *rabbitmq.ConfirmTracker satisfies it.
type StatsSource interface {
	Stats() rabbitmq.ConfirmStats
}

// ConfirmChecker degrades when too many publishes wait for a confirm
type ConfirmChecker struct {
	source     StatsSource
	maxPending int
}

// NewConfirmChecker creates a checker that degrades above maxPending
// unconfirmed publishes
func NewConfirmChecker(source StatsSource, maxPending int) *ConfirmChecker {
	return &ConfirmChecker{source: source, maxPending: maxPending}
}

func (c *ConfirmChecker) Name() string {
	return "publisher_confirms"
}

func (c *ConfirmChecker) Check(ctx context.Context) CheckResult {
	stats := c.source.Stats()
	result := CheckResult{
		Status:  StatusHealthy,
		Message: "publishes confirmed",
		Details: map[string]interface{}{
			"published":     stats.Published,
			"acked":         stats.Acked,
			"nacked":        stats.Nacked,
			"pending":       stats.Pending,
			"indeterminate": stats.Indeterminate,
		},
	}

	if c.maxPending > 0 && stats.Pending > c.maxPending {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d publishes awaiting confirmation", stats.Pending)
	}
	return result
}

// PendingSource exposes the number of outstanding calls.
// *messaging.RPCClient satisfies it.
type PendingSource interface {
	Pending() int
}

// CallChecker degrades when outstanding calls exceed a threshold
type CallChecker struct {
	source     PendingSource
	maxPending int
}

// NewCallChecker creates a checker for in-flight RPC calls
func NewCallChecker(source PendingSource, maxPending int) *CallChecker {
	return &CallChecker{source: source, maxPending: maxPending}
}

func (c *CallChecker) Name() string {
	return "rpc_calls"
}

func (c *CallChecker) Check(ctx context.Context) CheckResult {
	pending := c.source.Pending()
	result := CheckResult{
		Status:  StatusHealthy,
		Details: map[string]interface{}{"pending": pending},
	}
	if c.maxPending > 0 && pending > c.maxPending {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d calls outstanding", pending)
	}
	return result
}

// BreakerSource reports whether portal requests are being refused.
// *poller.Breaker satisfies it.
type BreakerSource interface {
	Open() bool
}

// PortalChecker degrades while the portal breaker is open. Tasks keep
// flowing once it closes, so an open breaker is never unhealthy.
type PortalChecker struct {
	source BreakerSource
}

// NewPortalChecker creates a checker for the portal breaker
func NewPortalChecker(source BreakerSource) *PortalChecker {
	return &PortalChecker{source: source}
}

func (c *PortalChecker) Name() string {
	return "portal"
}

func (c *PortalChecker) Check(ctx context.Context) CheckResult {
	if c.source.Open() {
		return CheckResult{Status: StatusDegraded, Message: "portal unreachable, requests suspended"}
	}
	return CheckResult{Status: StatusHealthy, Message: "portal reachable"}
}

// RuntimeChecker watches the goroutine count. Handler goroutines leak
// when tasks never return, so a steady climb is worth flagging.
type RuntimeChecker struct {
	warn     int
	critical int
}

// NewRuntimeChecker creates a checker with goroutine thresholds
func NewRuntimeChecker(warn, critical int) *RuntimeChecker {
	return &RuntimeChecker{warn: warn, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Status: StatusHealthy,
		Details: map[string]interface{}{
			"goroutines": goroutines,
			"heapMB":     float64(m.HeapAlloc) / 1024 / 1024,
			"gcRuns":     m.NumGC,
		},
	}

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warn > 0 && goroutines > c.warn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	}
	return result
}
