package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/openmined/lakelift/internal/transfer"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	status := func(code int, errCode string) error {
		return fmt.Errorf("wrapped: %w", &transfer.StatusError{Op: "create", StatusCode: code, Code: errCode})
	}

	tests := []struct {
		name string
		err  error
		want transfer.OutcomeStatus
	}{
		{"nil", nil, transfer.Success},
		{"timeout", timeoutErr{}, transfer.TransientFailure},
		{"deadline", context.DeadlineExceeded, transfer.TransientFailure},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, transfer.TransientFailure},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), transfer.TransientFailure},
		{"unexpected eof", io.ErrUnexpectedEOF, transfer.TransientFailure},
		{"throttled", status(429, ""), transfer.TransientFailure},
		{"server busy", status(503, "ServerBusy"), transfer.TransientFailure},
		{"gateway", status(504, ""), transfer.TransientFailure},
		{"request timeout", status(408, ""), transfer.TransientFailure},
		{"unauthorized", status(401, ""), transfer.CredentialFailure},
		{"forbidden bad token", status(403, "InvalidAuthenticationInfo"), transfer.CredentialFailure},
		{"forbidden permission", status(403, "AuthorizationPermissionMismatch"), transfer.FatalFailure},
		{"bad request", status(400, "InvalidInput"), transfer.FatalFailure},
		{"not implemented", status(501, ""), transfer.FatalFailure},
		{"insufficient storage", status(507, ""), transfer.FatalFailure},
		{"refresh failed", fmt.Errorf("x: %w", transfer.ErrCredential), transfer.CredentialFailure},
		{"missing source", fmt.Errorf("%w: /a", transfer.ErrSourceNotFound), transfer.FatalFailure},
		{"source unavailable", fmt.Errorf("%w: read /a: %w", transfer.ErrSourceUnavailable, io.EOF), transfer.TransientFailure},
		{"source read failed", fmt.Errorf("read /a: %w", fmt.Errorf("%w: connection lost", transfer.ErrSourceUnavailable)), transfer.TransientFailure},
		{"size mismatch", transfer.ErrSizeMismatch, transfer.FatalFailure},
		{"unknown", errors.New("what"), transfer.FatalFailure},
	}

	p := DefaultPolicy()
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Classify(tt.err), tt.name)
	}
}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDecideTransientCeiling(t *testing.T) {
	p := DefaultPolicy()
	err := timeoutErr{}

	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		d := p.Decide(transfer.UploadOutcome{Status: transfer.TransientFailure, Err: err, Attempt: attempt}, false)
		assert.True(t, d.Retry, "attempt %d", attempt)
		assert.Equal(t, p.Backoff(attempt), d.Delay)
	}

	d := p.Decide(transfer.UploadOutcome{Status: transfer.TransientFailure, Err: err, Attempt: p.MaxAttempts}, false)
	assert.False(t, d.Retry)
	assert.Equal(t, DetailExhausted, d.Detail)
}

func TestDecideCredentialRetryKeepsTransientBudget(t *testing.T) {
	p := DefaultPolicy()
	err := timeoutErr{}

	// attempt 1 was a 401 answered with a refreshed token
	for attempt := 2; attempt <= p.MaxAttempts; attempt++ {
		d := p.Decide(transfer.UploadOutcome{Status: transfer.TransientFailure, Err: err, Attempt: attempt}, true)
		assert.True(t, d.Retry, "attempt %d", attempt)
		assert.Equal(t, p.Backoff(attempt-1), d.Delay)
	}

	d := p.Decide(transfer.UploadOutcome{Status: transfer.TransientFailure, Err: err, Attempt: p.MaxAttempts + 1}, true)
	assert.False(t, d.Retry)
	assert.Equal(t, DetailExhausted, d.Detail)
}

func TestDecideRetryAfter(t *testing.T) {
	p := DefaultPolicy()
	se := &transfer.StatusError{StatusCode: 429, RetryAfter: 10 * time.Second}
	d := p.Decide(transfer.UploadOutcome{Status: transfer.TransientFailure, Err: se, Attempt: 1}, false)
	assert.Equal(t, 10*time.Second, d.Delay)

	se.RetryAfter = 10 * time.Minute
	d = p.Decide(transfer.UploadOutcome{Status: transfer.TransientFailure, Err: se, Attempt: 1}, false)
	assert.Equal(t, p.MaxDelay, d.Delay)
}

func TestDecideCredential(t *testing.T) {
	p := DefaultPolicy()
	out := transfer.UploadOutcome{Status: transfer.CredentialFailure, Attempt: 1}

	d := p.Decide(out, false)
	assert.True(t, d.Retry)
	assert.True(t, d.RefreshCredential)
	assert.Zero(t, d.Delay)

	out.Attempt = 2
	d = p.Decide(out, true)
	assert.False(t, d.Retry)
	assert.Equal(t, DetailCredentialRejected, d.Detail)
}

func TestDecideTerminal(t *testing.T) {
	p := Policy{}
	assert.Equal(t, Decision{}, p.Decide(transfer.UploadOutcome{Status: transfer.Success}, false))
	assert.Equal(t, Decision{}, p.Decide(transfer.UploadOutcome{Status: transfer.Skipped}, false))
	assert.Equal(t, Decision{Detail: DetailFatal}, p.Decide(transfer.UploadOutcome{Status: transfer.FatalFailure}, false))
}
