package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Lifecycle errors
	ErrNotReady       = errors.New("rabbitmq: channel not ready")
	ErrManagerClosed  = errors.New("rabbitmq: lifecycle manager is closed")
	ErrAlreadyStarted = errors.New("rabbitmq: lifecycle manager already started")
	ErrDialTimeout    = errors.New("rabbitmq: dial timeout")

	// Channel errors
	ErrChannelClosed     = errors.New("rabbitmq: channel is closed")
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled by broker")
	ErrDeliveriesClosed  = errors.New("rabbitmq: delivery stream closed")
	ErrStaleDelivery     = errors.New("rabbitmq: delivery belongs to a previous session")

	// Publish outcomes
	ErrPublishNacked = errors.New("rabbitmq: publish nacked by broker")

	// ErrIndeterminate marks work whose outcome was lost with the connection:
	// it may or may not have reached the broker.
	ErrIndeterminate = errors.New("rabbitmq: outcome indeterminate after connection loss")

	// Topology errors
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Sequence   uint64    // Sequence number assigned before the failure, 0 if none
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q (seq=%d): %v",
		e.Exchange, e.RoutingKey, e.Sequence, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed step of the topology setup
type TopologyError struct {
	Step      string    // Step name (declare-exchange, declare-queue, bind, qos, ...)
	Name      string    // Entity name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: %s %q failed: %v", e.Step, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Is lets callers match any topology failure against ErrTopologyDeclarationFailed.
func (e *TopologyError) Is(target error) bool {
	return target == ErrTopologyDeclarationFailed
}

// ConfigurationError is returned by Start when the target address or the
// topology descriptor cannot be used. It is never retried.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rabbitmq configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrManagerClosed):
		return false
	}

	// Connectivity, nack and indeterminate outcomes are left to the caller to retry
	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
