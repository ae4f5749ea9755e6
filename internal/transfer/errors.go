package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrInvalidCandidate = errors.New("transfer: invalid candidate")
	ErrSourceNotFound   = errors.New("transfer: source file not found")
	ErrSizeMismatch     = errors.New("transfer: size mismatch")

	// ErrSourceUnavailable marks a source that could not be reached, e.g. a
	// dropped remote connection. The next attempt may succeed.
	ErrSourceUnavailable = errors.New("transfer: source unavailable")

	// ErrCredential marks an authorization problem that is not an HTTP
	// response, e.g. a token refresh that failed.
	ErrCredential = errors.New("transfer: credential failure")
)

// StatusError is returned when the store answers a protocol step with an
// unexpected HTTP status.
type StatusError struct {
	Op         string
	StatusCode int
	Code       string // x-ms-error-code
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: HTTP %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += " - " + e.Message
	}
	return msg
}

// AsStatusError unwraps err into a *StatusError.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
