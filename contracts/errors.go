package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrMissingOp        = errors.New("contracts: task has no op")
	ErrMalformedPayload = errors.New("contracts: malformed payload")
)

// RemoteError is a failure reported by the worker in its response
type RemoteError struct {
	TaskID  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("worker error: %s", e.Message)
	}
	return fmt.Sprintf("worker error for task %s: %s", e.TaskID, e.Message)
}
