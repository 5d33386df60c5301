package wordpress

import (
	"errors"
	"fmt"
	"net/http"
)

// Category is a stable label for a downstream failure.
type Category string

// Error categories.
const (
	CategoryAuthentication Category = "authentication"
	CategoryPermission     Category = "permission"
	CategoryNotFound       Category = "not_found"
	CategoryRateLimited    Category = "rate_limited"
	CategoryUpstream       Category = "upstream"
	CategoryRejected       Category = "rejected"
	CategoryTransport      Category = "transport"
	CategoryTimeout        Category = "timeout"
	CategoryInvalid        Category = "invalid_request"
	CategoryDecode         Category = "decode"
)

// Error is a sanitized downstream failure. Message never contains the raw
// response body.
type Error struct {
	Category  Category
	Status    int
	Message   string
	Retryable bool
	Err       error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}

	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// AsError returns the *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var werr *Error
	if errors.As(err, &werr) {
		return werr, true
	}

	return nil, false
}

// statusError maps an HTTP error status to a sanitized Error. code is the
// "code" member of a JSON error body, or "".
func statusError(status int, code string) *Error {
	e := &Error{Status: status}

	switch {
	case status == http.StatusUnauthorized:
		e.Category, e.Message = CategoryAuthentication, "Authentication failed"
	case status == http.StatusForbidden:
		e.Category, e.Message = CategoryPermission, "Permission denied"
	case status == http.StatusNotFound:
		e.Category, e.Message = CategoryNotFound, "Resource not found"
	case status == http.StatusTooManyRequests:
		e.Category, e.Message, e.Retryable = CategoryRateLimited, "Rate limit exceeded", true
	case status >= http.StatusInternalServerError:
		e.Category, e.Message, e.Retryable = CategoryUpstream, "Upstream unavailable", true
	case status < http.StatusBadRequest:
		e.Category, e.Message = CategoryRejected, "Unexpected redirect"
	default:
		if code == "" {
			code = "unknown_error"
		}

		e.Category, e.Message = CategoryRejected, "Request rejected: "+code
	}

	return e
}
