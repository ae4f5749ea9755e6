// Package retry decides what happens after an upload attempt: retry after a
// backoff, refresh the credential and retry once, or give up.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/openmined/lakelift/internal/transfer"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Details recorded on a file that stops retrying.
const (
	DetailExhausted          = "exhausted_retries"
	DetailCredentialRejected = "credential_rejected"
	DetailFatal              = "fatal"
)

// error codes the store sends with a 403 when the bearer token itself is bad
var credentialCodes = map[string]struct{}{
	"AuthenticationFailed":       {},
	"InvalidAuthenticationInfo":  {},
	"ExpiredAuthenticationToken": {},
}

// Policy is stateless and safe to share between workers.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"` // total attempts per file for transient failures
	BaseDelay   time.Duration `mapstructure:"base_delay"`   // delay unit of the exponential backoff
	MaxDelay    time.Duration `mapstructure:"max_delay"`    // backoff cap
}

// DefaultPolicy is three attempts with min(2^attempt, 60) second backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// WithDefaults fills every unset field from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Classify maps an attempt error onto a failure class. A nil error is a
// success.
func (p Policy) Classify(err error) transfer.OutcomeStatus {
	if err == nil {
		return transfer.Success
	}

	if errors.Is(err, transfer.ErrCredential) {
		return transfer.CredentialFailure
	}

	if errors.Is(err, transfer.ErrSourceUnavailable) {
		return transfer.TransientFailure
	}

	if errors.Is(err, transfer.ErrSourceNotFound) ||
		errors.Is(err, transfer.ErrSizeMismatch) ||
		errors.Is(err, transfer.ErrInvalidCandidate) {
		return transfer.FatalFailure
	}

	if se, ok := transfer.AsStatusError(err); ok {
		return classifyStatus(se)
	}

	// run cancellation is not a property of the file
	if errors.Is(err, context.Canceled) {
		return transfer.TransientFailure
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return transfer.TransientFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return transfer.TransientFailure
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return transfer.TransientFailure
	}

	return transfer.FatalFailure
}

func classifyStatus(se *transfer.StatusError) transfer.OutcomeStatus {
	switch se.StatusCode {
	case http.StatusUnauthorized:
		return transfer.CredentialFailure
	case http.StatusForbidden:
		if _, ok := credentialCodes[se.Code]; ok {
			return transfer.CredentialFailure
		}
		return transfer.FatalFailure
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return transfer.TransientFailure
	}
	return transfer.FatalFailure
}

// Backoff returns the delay before the attempt following attempt:
// min(BaseDelay*2^attempt, MaxDelay).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// Decision is what the worker should do after an attempt.
type Decision struct {
	Retry             bool
	RefreshCredential bool
	Delay             time.Duration
	Detail            string
}

// Decide is a pure function of the outcome of one attempt and whether the
// file already used its credential retry. Attempt counts every attempt of the
// file, the credential retry included; MaxAttempts bounds the others.
func (p Policy) Decide(outcome transfer.UploadOutcome, credentialRetried bool) Decision {
	p = p.WithDefaults()

	switch outcome.Status {
	case transfer.Success, transfer.Skipped:
		return Decision{}

	case transfer.TransientFailure:
		// the credential retry does not use up a transient attempt
		attempt := outcome.Attempt
		if credentialRetried {
			attempt--
		}
		if attempt >= p.MaxAttempts {
			return Decision{Detail: DetailExhausted}
		}
		delay := p.Backoff(attempt)
		if se, ok := transfer.AsStatusError(outcome.Err); ok && se.RetryAfter > delay {
			delay = min(se.RetryAfter, p.MaxDelay)
		}
		return Decision{Retry: true, Delay: delay}

	case transfer.CredentialFailure:
		if credentialRetried {
			return Decision{Detail: DetailCredentialRejected}
		}
		return Decision{Retry: true, RefreshCredential: true}
	}

	return Decision{Detail: DetailFatal}
}
