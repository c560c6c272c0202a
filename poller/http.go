package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/glimte/avista-control/contracts"
)

// ErrUnexpectedStatus is returned for non-2xx portal responses
var ErrUnexpectedStatus = errors.New("poller: unexpected status")

// StatusError carries the status code of a failed request
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Retryable reports whether the portal may succeed on a later attempt
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// HTTPConfig holds settings shared by HTTPSource and HTTPSink
type HTTPConfig struct {
	Client     *http.Client
	Attempts   uint
	RetryDelay time.Duration
	Logger     *slog.Logger
	Watermark  *Watermark
	Breaker    *Breaker
}

// HTTPOption configures HTTPSource and HTTPSink
type HTTPOption func(*HTTPConfig)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPConfig) {
		c.Client = client
	}
}

// WithRetry sets the number of attempts and the initial backoff delay
func WithRetry(attempts uint, delay time.Duration) HTTPOption {
	return func(c *HTTPConfig) {
		c.Attempts = attempts
		c.RetryDelay = delay
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(c *HTTPConfig) {
		c.Logger = logger
	}
}

// WithWatermark makes the source only ask for tasks newer than w
func WithWatermark(w *Watermark) HTTPOption {
	return func(c *HTTPConfig) {
		c.Watermark = w
	}
}

// WithBreaker guards requests with b. A source and a sink may share one.
func WithBreaker(b *Breaker) HTTPOption {
	return func(c *HTTPConfig) {
		c.Breaker = b
	}
}

func newHTTPConfig(opts []HTTPOption) *HTTPConfig {
	cfg := &HTTPConfig{
		Client:     &http.Client{Timeout: 30 * time.Second},
		Attempts:   3,
		RetryDelay: 500 * time.Millisecond,
		Logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *HTTPConfig) retryOptions(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(c.Attempts),
		retry.Delay(c.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var status *StatusError
			if errors.As(err, &status) {
				return status.Retryable()
			}
			return !errors.Is(err, contracts.ErrMalformedPayload)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.Logger.Warn("portal request failed, retrying", "op", op, "attempt", n+1, "error", err)
		}),
	}
}

// guard runs fn through the breaker when one is configured
func (c *HTTPConfig) guard(ctx context.Context, op string, fn func() error) error {
	if c.Breaker == nil {
		return fn()
	}
	return c.Breaker.Execute(ctx, op, fn)
}

// do sends req and returns the body of a 2xx response
func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method: req.Method,
			URL:    req.URL.Redacted(),
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// HTTPSource fetches tasks with GET {base}/tasks?since=<watermark>
type HTTPSource struct {
	endpoint string
	cfg      *HTTPConfig
	logger   *slog.Logger
}

// NewHTTPSource creates a source for the portal at baseURL
func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	cfg := newHTTPConfig(opts)
	return &HTTPSource{
		endpoint: strings.TrimRight(baseURL, "/") + "/tasks",
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "http-source"),
	}
}

// FetchPending implements DataSource. Tasks that fail validation are
// dropped with a warning.
func (s *HTTPSource) FetchPending(ctx context.Context) ([]contracts.Task, error) {
	target := s.endpoint
	if s.cfg.Watermark != nil {
		if since := s.cfg.Watermark.Get(); !since.IsZero() {
			target += "?" + url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}.Encode()
		}
	}

	var tasks []contracts.Task
	err := s.cfg.guard(ctx, "fetch", func() error {
		var err error
		tasks, err = retry.DoWithData(func() ([]contracts.Task, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", contracts.ContentType)

			body, err := do(s.cfg.Client, req)
			if err != nil {
				return nil, err
			}

			var tasks []contracts.Task
			if err := json.Unmarshal(body, &tasks); err != nil {
				return nil, fmt.Errorf("%w: %v", contracts.ErrMalformedPayload, err)
			}
			return tasks, nil
		}, s.cfg.retryOptions(ctx, "fetch")...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}

	valid := tasks[:0]
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			s.logger.Warn("skipping invalid task", "taskId", task.ID, "error", err)
			continue
		}
		valid = append(valid, task)
	}
	return valid, nil
}

// HTTPSink posts results as JSON to {base}/results
type HTTPSink struct {
	endpoint string
	cfg      *HTTPConfig
}

// NewHTTPSink creates a sink for the portal at baseURL
func NewHTTPSink(baseURL string, opts ...HTTPOption) *HTTPSink {
	return &HTTPSink{
		endpoint: strings.TrimRight(baseURL, "/") + "/results",
		cfg:      newHTTPConfig(opts),
	}
}

// Submit implements ResultSink
func (s *HTTPSink) Submit(ctx context.Context, response contracts.Response) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	err = s.cfg.guard(ctx, "submit", func() error {
		return retry.Do(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", contracts.ContentType)
			_, err = do(s.cfg.Client, req)
			return err
		}, s.cfg.retryOptions(ctx, "submit")...)
	})
	if err != nil {
		return fmt.Errorf("failed to submit result for task %q: %w", response.TaskID, err)
	}
	return nil
}
