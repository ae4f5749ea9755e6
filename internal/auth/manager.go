// Package auth owns the bearer credential used against the store. It never
// mints tokens itself; refreshes are delegated to a Refresher.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/lakelift/internal/transfer"
	"github.com/openmined/lakelift/internal/utils"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSafetyMargin       = 5 * time.Minute
	DefaultMaxRefreshAttempts = 3
	DefaultRefreshTimeout     = 2 * time.Minute
	refreshKey                = "refresh"
)

var (
	ErrRefreshFailed    = fmt.Errorf("auth: refresh failed: %w", transfer.ErrCredential)
	ErrRefreshExhausted = errors.New("auth: refresh attempts exhausted")
	ErrNoRefresher      = errors.New("auth: no refresher configured")
)

// Refresher mints a new credential. Implementations are called by at most one
// goroutine at a time.
type Refresher interface {
	Refresh(ctx context.Context) (Credential, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (Credential, error)

func (f RefresherFunc) Refresh(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// ManagerConfig tunes the refresh behaviour.
type ManagerConfig struct {
	SafetyMargin       time.Duration
	MaxRefreshAttempts int
	RefreshBackoff     time.Duration
	RefreshTimeout     time.Duration
}

// Manager hands out a valid credential to concurrent workers. Concurrent
// callers observing an expiring credential share one in-flight refresh.
type Manager struct {
	refresher Refresher
	cfg       ManagerConfig
	now       func() time.Time

	mu           sync.RWMutex
	current      Credential
	stale        bool
	refresh      singleflight.Group
	refreshCount int
}

// NewManager creates a Manager. initial may be zero, in which case the first
// EnsureValid call refreshes.
func NewManager(refresher Refresher, initial Credential, cfg ManagerConfig) *Manager {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.MaxRefreshAttempts <= 0 {
		cfg.MaxRefreshAttempts = DefaultMaxRefreshAttempts
	}
	if cfg.RefreshBackoff <= 0 {
		cfg.RefreshBackoff = time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	return &Manager{
		refresher: refresher,
		cfg:       cfg,
		now:       time.Now,
		current:   initial,
	}
}

// Current returns the credential held right now without validating it.
func (m *Manager) Current() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Refreshes returns how many successful refreshes the manager performed.
func (m *Manager) Refreshes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshCount
}

// EnsureValid returns a credential with more than the safety margin of life
// left, refreshing it first if needed. Only the calling attempt blocks on a
// refresh.
func (m *Manager) EnsureValid(ctx context.Context) (Credential, error) {
	if cred, ok := m.valid(); ok {
		return cred, nil
	}

	ch := m.refresh.DoChan(refreshKey, func() (any, error) {
		// another caller may have finished a refresh while we queued up
		if cred, ok := m.valid(); ok {
			return cred, nil
		}
		return m.doRefresh()
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// Invalidate marks token as rejected by the store. It only takes effect when
// token is still the current credential, so many workers rejected with the
// same token cause a single refresh.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Token == token && !m.stale {
		m.stale = true
		slog.Warn("credential rejected by store", "token", utils.MaskSecret(token))
	}
}

func (m *Manager) valid() (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stale {
		return Credential{}, false
	}
	return m.current, m.current.ValidFor(m.now(), m.cfg.SafetyMargin)
}

func (m *Manager) doRefresh() (Credential, error) {
	if m.refresher == nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrRefreshExhausted, ErrNoRefresher)
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRefreshAttempts; attempt++ {
		// the refresh outlives any single caller's context
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
		tStart := time.Now()
		cred, err := m.refresher.Refresh(ctx)
		cancel()

		if err == nil && cred.IsZero() {
			err = errors.New("refresher returned an empty token")
		}
		if err == nil && !cred.ValidFor(m.now(), m.cfg.SafetyMargin) {
			err = fmt.Errorf("refreshed token expires too soon (%s)", cred.ExpiresAt.Format(time.RFC3339))
		}

		if err == nil {
			m.mu.Lock()
			m.current = cred
			m.stale = false
			m.refreshCount++
			m.mu.Unlock()
			slog.Info("credential refreshed", "expiresAt", cred.ExpiresAt, "token", utils.MaskSecret(cred.Token), "took", time.Since(tStart))
			return cred, nil
		}

		lastErr = err
		slog.Warn("credential refresh failed", "attempt", attempt, "maxAttempts", m.cfg.MaxRefreshAttempts, "error", err)
		if attempt < m.cfg.MaxRefreshAttempts {
			time.Sleep(m.cfg.RefreshBackoff * time.Duration(1<<(attempt-1)))
		}
	}

	return Credential{}, fmt.Errorf("%w: %w: %w", ErrRefreshExhausted, ErrRefreshFailed, lastErr)
}
