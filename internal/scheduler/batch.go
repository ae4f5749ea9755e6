package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmined/lakelift/internal/auth"
	"github.com/openmined/lakelift/internal/ledger"
	"github.com/openmined/lakelift/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// fileResult is what a worker hands back to the coordinator.
type fileResult struct {
	candidate transfer.FileCandidate
	outcomes  []transfer.UploadOutcome // every attempt, the last one final
	released  bool                     // stopped before reaching a final status
	systemErr error
}

func (r fileResult) final() transfer.UploadOutcome {
	if len(r.outcomes) == 0 {
		return transfer.UploadOutcome{}
	}
	return r.outcomes[len(r.outcomes)-1]
}

type batchResult struct {
	checkpoint ledger.BatchCheckpoint
	dispatched int
	attempts   int
	systemErr  error
}

// runBatch uploads one batch and returns once every dispatched file came
// back. After a system failure no further file is dispatched, files already
// with a worker finish their current attempt, and everything unfinished is
// released to Pending.
func (s *Scheduler) runBatch(ctx context.Context, batchID int, batch []transfer.FileCandidate, concurrency int) batchResult {
	res := batchResult{
		checkpoint: ledger.BatchCheckpoint{BatchID: batchID, Files: len(batch), StartedAt: time.Now()},
	}

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	jobs := make(chan transfer.FileCandidate)
	results := make(chan fileResult)
	leftover := make(chan []transfer.FileCandidate, 1)

	go func() {
		defer close(jobs)
		for i, c := range batch {
			select {
			case jobs <- c:
			case <-workCtx.Done():
				leftover <- batch[i:]
				return
			}
		}
		leftover <- nil
	}()

	var workers errgroup.Group
	for range min(concurrency, len(batch)) {
		workers.Go(func() error {
			for c := range jobs {
				results <- s.process(workCtx, c)
			}
			return nil
		})
	}
	go func() {
		_ = workers.Wait()
		close(results)
	}()

	for r := range results {
		res.dispatched++
		res.attempts += len(r.outcomes)
		err := s.record(ctx, batchID, r, &res)
		if err == nil {
			err = r.systemErr
		}
		if err != nil && res.systemErr == nil {
			res.systemErr = err
			slog.Error("system failure, draining batch", "batch", batchID, "path", r.candidate.Key(), "error", err)
			stopWork()
		}
	}

	if rest := <-leftover; len(rest) > 0 {
		for _, c := range rest {
			if err := s.ledger.Release(c.Key()); err != nil {
				slog.Error("release file", "path", c.Key(), "error", err)
				continue
			}
			res.checkpoint.Released++
		}
	}

	res.checkpoint.FinishedAt = time.Now()
	return res
}

// record applies one worker result. Only the coordinator calls it. A
// returned error means the ledger refused the update.
func (s *Scheduler) record(ctx context.Context, batchID int, r fileResult, res *batchResult) error {
	key := r.candidate.Key()

	if s.journal != nil && len(r.outcomes) > 0 {
		rows := make([]ledger.Attempt, len(r.outcomes))
		for i, o := range r.outcomes {
			rows[i] = ledger.NewAttempt(s.opts.RunID, key, batchID, o)
		}
		if err := s.journal.Append(context.WithoutCancel(ctx), rows...); err != nil {
			slog.Warn("attempt journal", "path", key, "error", err)
		}
	}

	if r.released {
		if err := s.ledger.Release(key); err != nil {
			return err
		}
		res.checkpoint.Released++
		return nil
	}

	final := r.final()
	if err := s.ledger.RecordOutcome(key, final); err != nil {
		return err
	}

	cp := &res.checkpoint
	switch final.Status {
	case transfer.Success:
		cp.Completed++
		cp.Bytes += final.BytesTransferred
	case transfer.Skipped:
		cp.Skipped++
	default:
		cp.Failed++
		slog.Warn("file failed", "path", key, "status", final.Status, "attempts", final.Attempt, "detail", final.ErrorDetail())
	}
	return nil
}

// process runs the attempt loop for one file: get a credential, upload,
// then retry, refresh or stop as the policy decides. A stopped context skips
// backoff waits and releases the file instead of starting another attempt.
func (s *Scheduler) process(ctx context.Context, c transfer.FileCandidate) fileResult {
	r := fileResult{candidate: c}
	credentialRetried := false

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			r.released = true
			return r
		}

		cred, err := s.creds.EnsureValid(ctx)
		if err != nil {
			r.released = true
			if errors.Is(err, auth.ErrRefreshExhausted) {
				r.systemErr = err
			}
			return r
		}

		out := s.up.Upload(ctx, c, cred)
		out.Attempt = attempt
		if out.Timestamp.IsZero() {
			out.Timestamp = time.Now()
		}
		if out.Status == transfer.CredentialFailure {
			s.creds.Invalidate(cred.Token)
		}

		d := s.policy.Decide(out, credentialRetried)
		if !d.Retry {
			out.Detail = d.Detail
			r.outcomes = append(r.outcomes, out)
			return r
		}
		r.outcomes = append(r.outcomes, out)

		slog.Debug("retrying file", "path", c.Key(), "attempt", attempt, "status", out.Status, "delay", d.Delay, "error", out.Err)
		if d.RefreshCredential {
			credentialRetried = true
		}
		if d.Delay > 0 && !sleepCtx(ctx, d.Delay) {
			r.released = true
			return r
		}
	}
}
