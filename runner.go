package avista

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/glimte/avista-control/contracts"
	"github.com/glimte/avista-control/messaging"
	"github.com/glimte/avista-control/poller"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Caller sends one task and returns the worker's raw response.
// *Controller and *messaging.RPCClient satisfy it.
type Caller interface {
	Call(ctx context.Context, task any, timeout time.Duration) (json.RawMessage, error)
}

// Summary counts the outcomes of one cycle
type Summary struct {
	Fetched   int
	Completed int
	Failed    int
	// Skipped tasks were completed in an earlier cycle but are still
	// behind a failed task, so the portal returned them again
	Skipped int
}

// Runner is the polling loop: fetch tasks, call a worker for each and
// submit the responses
type Runner struct {
	caller    Caller
	source    poller.DataSource
	sink      poller.ResultSink
	watermark *poller.Watermark
	persist   func(time.Time) error
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	completed map[string]struct{}
	tasks     *prometheus.CounterVec
	cycles    prometheus.Counter
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithInterval sets the time between cycles
func WithInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		r.interval = interval
	}
}

// WithTaskTimeout bounds each call. Zero uses the caller's default.
func WithTaskTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = timeout
	}
}

// WithWatermark shares the watermark with the data source; persist, when
// set, is called each time it advances
func WithWatermark(w *poller.Watermark, persist func(time.Time) error) RunnerOption {
	return func(r *Runner) {
		r.watermark = w
		r.persist = persist
	}
}

// WithRunnerMetrics registers task counters with reg
func WithRunnerMetrics(reg prometheus.Registerer) RunnerOption {
	return func(r *Runner) {
		factory := promauto.With(reg)
		r.tasks = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avista",
			Subsystem: "runner",
			Name:      "tasks_total",
			Help:      "Tasks handled by outcome",
		}, []string{"outcome"})
		r.cycles = factory.NewCounter(prometheus.CounterOpts{
			Namespace: "avista",
			Subsystem: "runner",
			Name:      "cycles_total",
			Help:      "Polling cycles started",
		})
	}
}

// NewRunner creates a polling loop
func NewRunner(caller Caller, source poller.DataSource, sink poller.ResultSink, options ...RunnerOption) *Runner {
	r := &Runner{
		caller:    caller,
		source:    source,
		sink:      sink,
		watermark: poller.NewWatermark(time.Time{}),
		completed: make(map[string]struct{}),
		interval:  time.Minute,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

// Run calls RunOnce every interval until ctx ends. Failed cycles are
// logged; the loop keeps going.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("polling cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one cycle. Only a failed fetch is returned as an
// error; a task that fails is logged and the rest still run. The
// watermark only advances across the leading run of completed tasks, so
// a failed task is fetched again next cycle. Tasks completed behind it are
// remembered and not sent again while the portal keeps returning them.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	if r.cycles != nil {
		r.cycles.Inc()
	}

	tasks, err := r.source.FetchPending(ctx)
	if err != nil {
		return Summary{}, err
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	summary := Summary{Fetched: len(tasks)}
	advancing := true
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}

		if _, done := r.completed[task.ID]; done {
			summary.Skipped++
			r.count("skipped")
		} else if err := r.handle(ctx, task); err != nil {
			summary.Failed++
			advancing = false
			continue
		} else {
			summary.Completed++
			if !advancing {
				r.completed[task.ID] = struct{}{}
			}
		}

		if advancing && !task.CreatedAt.IsZero() {
			r.advance(task.CreatedAt)
		}
	}
	r.forget(tasks)

	if summary.Fetched > 0 {
		r.logger.Info("polling cycle finished",
			"fetched", summary.Fetched,
			"completed", summary.Completed,
			"failed", summary.Failed)
	}
	return summary, nil
}

// handle calls a worker for task and submits the response
func (r *Runner) handle(ctx context.Context, task contracts.Task) error {
	logger := r.logger.With("taskId", task.ID, "op", task.Op)

	raw, err := r.caller.Call(ctx, task, r.timeout)
	if err != nil {
		switch {
		case errors.Is(err, messaging.ErrTimeout):
			r.count("timeout")
			logger.Warn("task timed out", "error", err)
		case errors.Is(err, messaging.ErrIndeterminate):
			r.count("indeterminate")
			logger.Warn("task outcome unknown after connection loss", "error", err)
		default:
			r.count("call_failed")
			logger.Error("task could not be sent", "error", err)
		}
		return err
	}

	response, err := contracts.DecodeResponse(raw)
	if err != nil {
		r.count("malformed")
		logger.Error("worker sent a malformed response", "error", err)
		return err
	}
	if response.TaskID == "" {
		response.TaskID = task.ID
	}
	if !response.IsSuccess() {
		logger.Warn("worker reported failure", "error", response.Error)
	}

	if err := r.sink.Submit(ctx, response); err != nil {
		r.count("submit_failed")
		logger.Error("failed to submit result", "error", err)
		return err
	}

	if response.IsSuccess() {
		r.count("success")
	} else {
		r.count("remote_error")
	}
	return nil
}

func (r *Runner) advance(t time.Time) {
	if !r.watermark.Advance(t) || r.persist == nil {
		return
	}
	if err := r.persist(t); err != nil {
		r.logger.Error("failed to persist watermark", "watermark", t, "error", err)
	}
}

// forget drops completed IDs the portal no longer returns or the watermark
// has passed
func (r *Runner) forget(fetched []contracts.Task) {
	if len(r.completed) == 0 {
		return
	}
	mark := r.watermark.Get()
	keep := make(map[string]struct{}, len(r.completed))
	for _, task := range fetched {
		if _, ok := r.completed[task.ID]; !ok {
			continue
		}
		if !task.CreatedAt.IsZero() && task.CreatedAt.Before(mark) {
			continue
		}
		keep[task.ID] = struct{}{}
	}
	r.completed = keep
}

func (r *Runner) count(outcome string) {
	if r.tasks != nil {
		r.tasks.WithLabelValues(outcome).Inc()
	}
}

// Watermark returns the creation time of the newest task handled in order
func (r *Runner) Watermark() time.Time {
	return r.watermark.Get()
}
