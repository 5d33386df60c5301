package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownTool is returned for tool names missing from the registry.
var ErrUnknownTool = errors.New("unknown tool")

var errHandlerPanic = errors.New("handler panicked")

// RateLimitedError is returned when the caller's identifier is over its budget.
type RateLimitedError struct {
	RetryAfter int
}

// Error implements error.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfter)
}

// OversizedRequestError is returned when the serialized arguments exceed the limit.
type OversizedRequestError struct {
	Size int
	Max  int
}

// Error implements error.
func (e *OversizedRequestError) Error() string {
	return fmt.Sprintf("request size %d exceeds maximum of %d", e.Size, e.Max)
}

// Failure is the structured body returned for a rejected or failed invocation.
type Failure struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	MaxSize    int    `json:"max_size,omitempty"`
	Tool       string `json:"tool,omitempty"`
	Type       string `json:"type,omitempty"`
}

// Response is the outcome of a Dispatch call. Exactly one of Result or Failure is meaningful.
type Response struct {
	Result  any
	Failure *Failure

	err error
}

// OK reports whether the invocation completed.
func (r Response) OK() bool {
	return r.Failure == nil
}

// Err returns the typed error behind a failure, or nil.
func (r Response) Err() error {
	return r.err
}

// MarshalJSON renders the result, or the failure body.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return json.Marshal(r.Failure)
	}

	return json.Marshal(r.Result)
}

func failed(err error, f Failure) Response {
	return Response{Failure: &f, err: err}
}
