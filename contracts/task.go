package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContentType is the content type of every payload
const ContentType = "application/json"

// Task is a work item published to the work queue
type Task struct {
	ID        string          `json:"id,omitempty"`
	Op        string          `json:"op"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
}

// Validate checks that the task can be dispatched
func (t Task) Validate() error {
	if t.Op == "" {
		return fmt.Errorf("%w: task %q", ErrMissingOp, t.ID)
	}
	return nil
}

// Response is the reply a worker publishes for a task
type Response struct {
	TaskID   string          `json:"taskId,omitempty"`
	Response string          `json:"response,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Success returns the canonical successful response
func Success() Response {
	return Response{Response: "success"}
}

// Failure builds an error response
func Failure(err error) Response {
	return Response{Error: err.Error()}
}

// IsSuccess reports whether the worker handled the task
func (r Response) IsSuccess() bool {
	return r.Error == ""
}

// Err returns the worker-side failure as an error, or nil
func (r Response) Err() error {
	if r.IsSuccess() {
		return nil
	}
	return &RemoteError{TaskID: r.TaskID, Message: r.Error}
}

// DecodeResponse parses a reply body
func DecodeResponse(body []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return r, nil
}

// DecodeTask parses a task body
func DecodeTask(body []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return t, nil
}
