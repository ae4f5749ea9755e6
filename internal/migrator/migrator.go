// Package migrator drives a migration run end to end: it prepares the ledger,
// hands the remaining work to the batch scheduler and produces the final
// report.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/lakelift/internal/auth"
	"github.com/openmined/lakelift/internal/config"
	"github.com/openmined/lakelift/internal/ledger"
	"github.com/openmined/lakelift/internal/onelake"
	"github.com/openmined/lakelift/internal/scheduler"
	"github.com/openmined/lakelift/internal/source"
	"github.com/openmined/lakelift/internal/transfer"
)

var ErrAlreadyRan = errors.New("migrator: already ran")

type Migrator struct {
	cfg   *config.Config
	up    scheduler.Uploader
	creds scheduler.Credentials
	close []func() error
	stats func() onelake.StatsSnapshot

	// OnBatch receives progress after every batch checkpoint.
	OnBatch func(scheduler.BatchReport)

	mu    sync.RWMutex
	state State
}

// New builds the source, upload client and token manager described by cfg.
// cfg must be validated.
func New(cfg *config.Config) (*Migrator, error) {
	opener, closeSource, err := newOpener(cfg.Source)
	if err != nil {
		return nil, err
	}

	client, err := onelake.New(cfg.Store, opener, cfg.Retry)
	if err != nil {
		closeSource()
		return nil, err
	}

	refresher := cfg.Auth.Refresher()
	creds := auth.NewManager(refresher, initialCredential(refresher), cfg.Auth.ManagerConfig())

	m := NewWith(cfg, client, creds)
	m.close = append(m.close, closeSource)
	m.stats = client.Stats
	return m, nil
}

// NewWith creates a Migrator around an existing uploader and credential
// source.
func NewWith(cfg *config.Config, up scheduler.Uploader, creds scheduler.Credentials) *Migrator {
	return &Migrator{cfg: cfg, up: up, creds: creds}
}

func (m *Migrator) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Migrator) setState(s State) {
	m.mu.Lock()
	from := m.state
	m.state = s
	m.mu.Unlock()
	slog.Debug("migration state", "from", from, "to", s)
}

// Close releases the source connection.
func (m *Migrator) Close() error {
	var errs []error
	for _, fn := range m.close {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// Run migrates candidates. The returned error is only set when the run
// could not start; aborted and interrupted runs are reported through the
// Summary.
func (m *Migrator) Run(ctx context.Context, candidates []transfer.FileCandidate) (Summary, error) {
	if m.State() != Idle {
		return Summary{}, ErrAlreadyRan
	}
	start := time.Now()
	defer m.setState(Terminal)

	m.setState(Loading)
	l, err := ledger.Open(m.cfg.Ledger)
	if err != nil {
		return Summary{}, err
	}
	defer l.Close()

	summary, remaining, err := m.load(l, candidates)
	if err != nil {
		return summary, err
	}

	opts := scheduler.Options{
		TargetBatchBytes: m.cfg.TargetBatchBytes,
		MinBatchSize:     m.cfg.MinBatchSize,
		MaxBatchSize:     m.cfg.MaxBatchSize,
		StartBatch:       m.cfg.StartBatch,
		MaxBatches:       m.cfg.MaxBatches,
		BatchPause:       m.cfg.BatchPause,
		RunID:            uuid.NewString(),
	}

	switch {
	case m.cfg.DryRun:
		batches := scheduler.Plan(remaining, m.cfg.BatchSize, opts)
		summary.Batches = len(batches)
		for _, b := range batches {
			summary.Attempted += len(b)
		}
		slog.Info("dry run", "remaining", len(remaining), "batches", len(batches), "files", summary.Attempted)

	case len(remaining) == 0:
		slog.Info("nothing to migrate", "files", summary.Total)

	default:
		m.setState(Running)
		run, err := m.run(ctx, l, remaining, opts)
		summary.addRun(run)
		if err != nil {
			m.setState(Draining)
		} else {
			m.setState(Completed)
		}
	}

	m.setState(Reporting)
	summary.fill(l.Counts())
	summary.finish(time.Since(start))
	report(summary)
	if m.stats != nil && !m.cfg.DryRun {
		st := m.stats()
		slog.Debug("store traffic", "requests", st.Requests, "failures", st.Failures, "sent", humanize.IBytes(uint64(st.BytesSentTotal)), "lastError", st.LastError)
	}
	return summary, nil
}

// load prepares the ledger and returns the files this run has to process.
func (m *Migrator) load(l *ledger.Ledger, candidates []transfer.FileCandidate) (Summary, []transfer.FileCandidate, error) {
	summary := Summary{DryRun: m.cfg.DryRun, Ledger: m.cfg.Ledger}

	snap, err := l.Load()
	if err != nil {
		return summary, nil, err
	}

	if m.cfg.RetryFailed && snap.FailedCount > 0 {
		if !m.cfg.DryRun {
			if summary.Backup, err = l.Backup("retry-failed"); err != nil {
				return summary, nil, err
			}
		}
		n := l.ResetFailed()
		slog.Info("failed files reset to pending", "files", n)
	}

	valid := make([]transfer.FileCandidate, 0, len(candidates))
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			summary.Invalid++
			slog.Warn("invalid candidate", "error", err)
			continue
		}
		valid = append(valid, c)
	}
	valid, summary.Duplicates = transfer.Dedupe(valid)
	if summary.Duplicates > 0 {
		slog.Warn("duplicate destination keys dropped", "files", summary.Duplicates)
	}

	added := l.Register(valid)
	if !m.cfg.DryRun {
		if err := l.Save(); err != nil {
			return summary, nil, err
		}
	}

	snap = l.Snapshot()
	remaining := ledger.Remaining(snap, valid, m.cfg.RetryFailed)
	slog.Info("migration plan",
		"path", m.cfg.Ledger,
		"files", humanize.Comma(int64(snap.TotalFiles)),
		"new", added,
		"remaining", humanize.Comma(int64(len(remaining))),
		"completed", snap.CompletedCount,
		"failed", snap.FailedCount,
		"skipped", snap.SkippedCount,
	)
	return summary, remaining, nil
}

func (m *Migrator) run(ctx context.Context, l *ledger.Ledger, remaining []transfer.FileCandidate, opts scheduler.Options) (scheduler.Summary, error) {
	var journal scheduler.Journal
	attempts, err := ledger.OpenAttemptLog(ctx, m.cfg.Journal)
	if err != nil {
		slog.Warn("attempt journal disabled", "path", m.cfg.Journal, "error", err)
	} else {
		defer attempts.Close()
		journal = attempts
	}

	s := scheduler.New(l, m.up, m.creds, m.cfg.Retry, journal, opts)
	s.OnBatch = m.OnBatch
	return s.Run(ctx, remaining, m.cfg.Concurrency, m.cfg.BatchSize)
}

func report(s Summary) {
	attrs := []any{
		"total", humanize.Comma(int64(s.Total)),
		"completed", s.Completed,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"pending", s.Pending,
		"percent", fmt.Sprintf("%.1f%%", s.PercentComplete()),
		"uploaded", s.Uploaded,
		"bytes", humanize.IBytes(uint64(s.Bytes)),
		"elapsed", s.Elapsed.Round(time.Second),
		"rate", fmt.Sprintf("%.2f files/s, %s/s", s.FilesPerSec, humanize.IBytes(uint64(s.BytesPerSec))),
	}

	switch {
	case s.Aborted || s.Interrupted:
		slog.Warn("migration stopped", append(attrs, "reason", s.Reason, "hint", ResumeHint)...)
	case s.DryRun:
		slog.Info("dry run finished", "remaining", s.Attempted, "batches", s.Batches, "pending", s.Pending)
	case s.Failed > 0:
		slog.Warn("migration finished with failures", append(attrs, "ledger", s.Ledger)...)
	default:
		slog.Info("migration finished", attrs...)
	}
}

func newOpener(cfg config.SourceConfig) (source.Opener, func() error, error) {
	if cfg.Kind == config.SourceSFTP {
		s, err := source.NewSFTP(cfg.SFTP)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return source.Local{Root: cfg.Root}, func() error { return nil }, nil
}

// initialCredential reuses a token already on disk so a run does not start
// with a refresh.
func initialCredential(r auth.Refresher) auth.Credential {
	switch r := r.(type) {
	case auth.StaticRefresher:
		return r.Credential
	case *auth.CommandRefresher:
		if cred, err := r.Read(); err == nil {
			return cred
		}
	}
	return auth.Credential{}
}
