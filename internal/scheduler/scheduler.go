// Package scheduler runs a migration batch by batch. Within a batch a bounded
// pool of workers uploads files; a single coordinator goroutine records every
// result in the ledger and checkpoints it before the next batch starts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/lakelift/internal/auth"
	"github.com/openmined/lakelift/internal/ledger"
	"github.com/openmined/lakelift/internal/retry"
	"github.com/openmined/lakelift/internal/transfer"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 10
	rateWindow         = 5
)

var (
	// ErrAborted is returned when a system failure stopped the run. The
	// ledger is left resumable.
	ErrAborted = errors.New("scheduler: run aborted")
	// ErrInterrupted is returned when the run context was cancelled.
	ErrInterrupted = errors.New("scheduler: run interrupted")
)

// Uploader performs one upload attempt.
type Uploader interface {
	Upload(ctx context.Context, candidate transfer.FileCandidate, cred auth.Credential) transfer.UploadOutcome
}

// Credentials hands out bearer credentials to workers.
type Credentials interface {
	EnsureValid(ctx context.Context) (auth.Credential, error)
	Invalidate(token string)
}

// Journal records every attempt. It is optional.
type Journal interface {
	Append(ctx context.Context, rows ...ledger.Attempt) error
}

// Options tune a Scheduler beyond the Run arguments.
type Options struct {
	TargetBatchBytes int64
	MinBatchSize     int
	MaxBatchSize     int
	StartBatch       int // 1-based index of the first batch to run
	MaxBatches       int // 0 runs every batch
	BatchPause       time.Duration
	RunID            string
}

// BatchReport is handed to the progress callback after each checkpoint.
type BatchReport struct {
	Index      int // 1-based position in this run
	Total      int // batches planned for this run
	Checkpoint ledger.BatchCheckpoint
	Snapshot   ledger.Snapshot // counts only, no per-file records
	Rate       float64
}

// Summary describes what one Run did.
type Summary struct {
	Batches   int
	Files     int // files dispatched to workers
	Attempts  int
	Completed int
	Failed    int
	Skipped   int
	Released  int // files returned to Pending after a stop
	Bytes     int64
	Elapsed   time.Duration
	Aborted   bool
	Cancelled bool
	Reason    string
}

// Scheduler is the only writer of the ledger while a run is in progress.
type Scheduler struct {
	ledger  *ledger.Ledger
	up      Uploader
	creds   Credentials
	policy  retry.Policy
	journal Journal
	opts    Options

	// OnBatch is called by the coordinator after every checkpoint.
	OnBatch func(BatchReport)
}

func New(l *ledger.Ledger, up Uploader, creds Credentials, policy retry.Policy, journal Journal, opts Options) *Scheduler {
	return &Scheduler{
		ledger:  l,
		up:      up,
		creds:   creds,
		policy:  policy,
		journal: journal,
		opts:    opts,
	}
}

// Run uploads candidates in batches. Candidates must already be registered
// in the ledger and Pending. The returned error wraps ErrAborted or
// ErrInterrupted when the run stopped early.
func (s *Scheduler) Run(ctx context.Context, candidates []transfer.FileCandidate, concurrency, batchSize int) (Summary, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	start := time.Now()
	summary := Summary{}

	batches := Plan(candidates, batchSize, s.opts)
	slog.Info("scheduler start", "files", countFiles(batches), "batches", len(batches), "concurrency", concurrency)

	var runErr error
	for i, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && s.opts.BatchPause > 0 {
			if !sleepCtx(ctx, s.opts.BatchPause) {
				break
			}
		}

		batchID := s.ledger.NextBatchID()
		keys := make([]string, len(batch))
		for j, c := range batch {
			keys[j] = c.Key()
		}
		if err := s.ledger.MarkInProgress(batchID, keys); err != nil {
			runErr = err
			break
		}

		res := s.runBatch(ctx, batchID, batch, concurrency)
		summary.add(res)

		checkpointErr := s.ledger.Checkpoint(res.checkpoint)
		if checkpointErr != nil {
			slog.Error("ledger checkpoint failed", "batch", batchID, "error", checkpointErr)
		}
		s.report(i+1, len(batches), res.checkpoint)

		if res.systemErr != nil {
			runErr = res.systemErr
			break
		}
		if checkpointErr != nil {
			runErr = checkpointErr
			break
		}
	}

	summary.Elapsed = time.Since(start)

	switch {
	case runErr != nil:
		summary.Aborted = true
		summary.Reason = runErr.Error()
		slog.Error("run aborted", "reason", runErr, "released", summary.Released)
		return summary, fmt.Errorf("%w: %w", ErrAborted, runErr)
	case ctx.Err() != nil:
		summary.Cancelled = true
		summary.Reason = ctx.Err().Error()
		slog.Warn("run interrupted", "batches", summary.Batches, "released", summary.Released)
		return summary, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	return summary, nil
}

// Plan partitions candidates and applies the StartBatch and MaxBatches
// limits of opts. Run executes exactly these batches.
func Plan(candidates []transfer.FileCandidate, batchSize int, opts Options) [][]transfer.FileCandidate {
	batches := Partition(candidates, PartitionConfig{
		BatchSize:        batchSize,
		TargetBatchBytes: opts.TargetBatchBytes,
		MinBatchSize:     opts.MinBatchSize,
		MaxBatchSize:     opts.MaxBatchSize,
	})
	if opts.StartBatch > 1 {
		if opts.StartBatch > len(batches) {
			return nil
		}
		batches = batches[opts.StartBatch-1:]
	}
	if opts.MaxBatches > 0 && len(batches) > opts.MaxBatches {
		batches = batches[:opts.MaxBatches]
	}
	return batches
}

func (s *Scheduler) report(index, total int, cp ledger.BatchCheckpoint) {
	snap := s.ledger.Counts()
	rate := s.ledger.Rate(rateWindow)

	slog.Info("batch done",
		"batch", cp.BatchID,
		"progress", fmt.Sprintf("%d/%d", index, total),
		"completed", cp.Completed,
		"skipped", cp.Skipped,
		"failed", cp.Failed,
		"released", cp.Released,
		"bytes", humanize.IBytes(uint64(cp.Bytes)),
		"took", cp.Duration().Round(time.Millisecond),
		"rate", fmt.Sprintf("%.2f files/s", rate),
		"done", fmt.Sprintf("%s/%s (%.1f%%)", humanize.Comma(int64(snap.Done())), humanize.Comma(int64(snap.TotalFiles)), snap.PercentComplete()),
	)

	if s.OnBatch != nil {
		s.OnBatch(BatchReport{Index: index, Total: total, Checkpoint: cp, Snapshot: snap, Rate: rate})
	}
}

func (sum *Summary) add(res batchResult) {
	cp := res.checkpoint
	sum.Batches++
	sum.Files += res.dispatched
	sum.Attempts += res.attempts
	sum.Completed += cp.Completed
	sum.Failed += cp.Failed
	sum.Skipped += cp.Skipped
	sum.Released += cp.Released
	sum.Bytes += cp.Bytes
}

func countFiles(batches [][]transfer.FileCandidate) int {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ Credentials = (*auth.Manager)(nil)
var _ Journal = (*ledger.AttemptLog)(nil)
