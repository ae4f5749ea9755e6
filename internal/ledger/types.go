package ledger

import (
	"time"
)

// Status is the durable state of one file.
type Status string

const (
	Pending         Status = "pending"
	InProgress      Status = "in_progress"
	Completed       Status = "completed"
	Failed          Status = "failed"
	SkippedExisting Status = "skipped_existing"
)

// Terminal reports whether the status is never rewritten.
func (s Status) Terminal() bool {
	return s == Completed || s == SkippedExisting
}

// FileRecord is the ledger entry of one destination key.
type FileRecord struct {
	RelativePath         string    `json:"relative_path"`
	Status               Status    `json:"status"`
	SizeBytes            int64     `json:"size_bytes"`
	LastAttemptTimestamp time.Time `json:"last_attempt_timestamp"`
	AttemptCount         int       `json:"attempt_count"`
	BatchID              int       `json:"batch_id,omitempty"`
	Error                string    `json:"error,omitempty"`
}

// BatchCheckpoint summarizes one finished batch.
type BatchCheckpoint struct {
	BatchID    int       `json:"batch_id"`
	Files      int       `json:"files"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Released   int       `json:"released,omitempty"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Processed is the number of files that reached a final status in the batch.
func (b BatchCheckpoint) Processed() int {
	return b.Completed + b.Failed + b.Skipped
}

func (b BatchCheckpoint) Duration() time.Duration {
	return b.FinishedAt.Sub(b.StartedAt)
}

// document is the on-disk layout. Unknown fields are ignored on read.
type document struct {
	Version          int                    `json:"version"`
	CreatedAt        time.Time              `json:"created_at"`
	LastSaved        time.Time              `json:"last_saved"`
	TotalFiles       int                    `json:"total_files"`
	CompletedCount   int                    `json:"completed_count"`
	FailedCount      int                    `json:"failed_count"`
	SkippedCount     int                    `json:"skipped_count"`
	BytesTransferred int64                  `json:"bytes_transferred"`
	NextBatchID      int                    `json:"next_batch_id"`
	Batches          []BatchCheckpoint      `json:"batches"`
	Files            map[string]*FileRecord `json:"files"`
}

const documentVersion = 1

func newDocument(now time.Time) *document {
	return &document{
		Version:     documentVersion,
		CreatedAt:   now,
		NextBatchID: 1,
		Files:       make(map[string]*FileRecord),
	}
}

// recount rebuilds the run-level counters from the records.
func (d *document) recount() {
	d.TotalFiles = len(d.Files)
	d.CompletedCount, d.FailedCount, d.SkippedCount = 0, 0, 0
	for _, r := range d.Files {
		switch r.Status {
		case Completed:
			d.CompletedCount++
		case Failed:
			d.FailedCount++
		case SkippedExisting:
			d.SkippedCount++
		}
	}
}

// Snapshot is a deep copy of the ledger handed to readers.
type Snapshot struct {
	TotalFiles         int
	CompletedCount     int
	FailedCount        int
	SkippedCount       int
	PendingCount       int
	InProgressCount    int
	BytesTransferred   int64
	Files              map[string]FileRecord
	Batches            []BatchCheckpoint
	NextBatchID        int
	LastSavedTimestamp time.Time
}

func (d *document) snapshot() Snapshot {
	s := d.counts()
	s.Files = make(map[string]FileRecord, len(d.Files))
	s.Batches = append([]BatchCheckpoint(nil), d.Batches...)
	for k, r := range d.Files {
		s.Files[k] = *r
	}
	return s
}

// counts fills everything but Files and Batches.
func (d *document) counts() Snapshot {
	s := Snapshot{
		TotalFiles:         len(d.Files),
		BytesTransferred:   d.BytesTransferred,
		NextBatchID:        d.NextBatchID,
		LastSavedTimestamp: d.LastSaved,
	}
	for _, r := range d.Files {
		switch r.Status {
		case Completed:
			s.CompletedCount++
		case Failed:
			s.FailedCount++
		case SkippedExisting:
			s.SkippedCount++
		case Pending:
			s.PendingCount++
		case InProgress:
			s.InProgressCount++
		}
	}
	return s
}

// Record returns the record of a destination key.
func (s Snapshot) Record(key string) (FileRecord, bool) {
	r, ok := s.Files[key]
	return r, ok
}

// Done is the number of files that need no further work.
func (s Snapshot) Done() int {
	return s.CompletedCount + s.SkippedCount
}

// PercentComplete is Done over TotalFiles. An empty ledger is complete.
func (s Snapshot) PercentComplete() float64 {
	if s.TotalFiles == 0 {
		return 100
	}
	return float64(s.Done()) * 100 / float64(s.TotalFiles)
}

// Rate is files per second over the last n checkpoints.
func (s Snapshot) Rate(n int) float64 {
	return rate(s.Batches, n)
}

func rate(batches []BatchCheckpoint, n int) float64 {
	if n <= 0 || len(batches) == 0 {
		return 0
	}
	if n > len(batches) {
		n = len(batches)
	}
	var (
		files   int
		elapsed time.Duration
	)
	for _, b := range batches[len(batches)-n:] {
		files += b.Processed()
		elapsed += b.Duration()
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(files) / elapsed.Seconds()
}
