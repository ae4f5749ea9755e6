package migrator

import (
	"time"

	"github.com/openmined/lakelift/internal/ledger"
	"github.com/openmined/lakelift/internal/scheduler"
)

// ResumeHint is reported after a run that stopped before finishing.
const ResumeHint = "re-run the same command to resume"

const (
	ExitOK = iota
	ExitFailedFiles
	ExitStopped
)

// Summary is the final report of a run. File counts are ledger totals, the
// throughput figures cover this run only.
type Summary struct {
	Total      int
	Completed  int
	Failed     int
	Skipped    int
	Pending    int
	Invalid    int // candidates rejected before registration
	Duplicates int // candidates sharing a destination key with an earlier one

	Attempted   int // files dispatched in this run
	Uploaded    int
	Batches     int // batches run, or planned for a dry run
	Bytes       int64
	Elapsed     time.Duration
	FilesPerSec float64
	BytesPerSec float64

	DryRun      bool
	Aborted     bool
	Interrupted bool
	Reason      string
	Backup      string // ledger backup taken before resetting failures
	Ledger      string
}

// ExitCode is 0 only when no file is Failed and the run was not stopped.
func (s Summary) ExitCode() int {
	switch {
	case s.Aborted || s.Interrupted:
		return ExitStopped
	case s.Failed > 0:
		return ExitFailedFiles
	}
	return ExitOK
}

// Resume returns the instruction to continue a stopped run, or "".
func (s Summary) Resume() string {
	if s.Aborted || s.Interrupted {
		return ResumeHint
	}
	return ""
}

// PercentComplete is the share of registered files that need no further
// work, Failed files excluded.
func (s Summary) PercentComplete() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Completed+s.Skipped) * 100 / float64(s.Total)
}

func (s *Summary) fill(snap ledger.Snapshot) {
	s.Total = snap.TotalFiles
	s.Completed = snap.CompletedCount
	s.Failed = snap.FailedCount
	s.Skipped = snap.SkippedCount
	s.Pending = snap.PendingCount + snap.InProgressCount
}

func (s *Summary) addRun(run scheduler.Summary) {
	s.Attempted = run.Files
	s.Uploaded = run.Completed
	s.Batches = run.Batches
	s.Bytes = run.Bytes
	s.Aborted = run.Aborted
	s.Interrupted = run.Cancelled
	s.Reason = run.Reason
}

func (s *Summary) finish(elapsed time.Duration) {
	s.Elapsed = elapsed
	if secs := elapsed.Seconds(); secs > 0 {
		s.FilesPerSec = float64(s.Attempted) / secs
		s.BytesPerSec = float64(s.Bytes) / secs
	}
}
