// Package ledger persists per-file transfer state so an interrupted migration
// can resume. The ledger is a single JSON document keyed by destination path;
// it is mutated only by the scheduler's coordinator and saved atomically at
// batch boundaries.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/lakelift/internal/transfer"
	"github.com/openmined/lakelift/internal/utils"
)

const maxCheckpoints = 100

var (
	ErrLocked            = errors.New("ledger: locked by another run")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
	ErrUnknownFile       = errors.New("ledger: unknown file")
	ErrClosed            = errors.New("ledger: closed")
)

// Ledger owns the progress document of one migration.
type Ledger struct {
	path string
	lock *flock.Flock
	now  func() time.Time

	mu     sync.Mutex
	doc    *document
	closed bool
}

// Open takes the ledger lock. It fails with ErrLocked when another process
// holds it. Call Load before using the ledger.
func Open(path string) (*Ledger, error) {
	path, err := utils.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	return &Ledger{
		path: path,
		lock: lock,
		now:  time.Now,
		doc:  newDocument(time.Now()),
	}, nil
}

// Path of the ledger document.
func (l *Ledger) Path() string {
	return l.path
}

// Close releases the lock. It does not save.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.lock.Unlock()
}

// Load reads the document from disk, a missing file being an empty ledger.
// Records left InProgress by a previous run are reclassified as Pending.
func (l *Ledger) Load() (Snapshot, error) {
	doc, err := readDocument(l.path)
	if err != nil {
		return Snapshot{}, err
	}
	if doc == nil {
		doc = newDocument(l.now())
	}

	recovered := 0
	for _, r := range doc.Files {
		if r.Status == InProgress {
			r.Status = Pending
			recovered++
		}
	}
	if recovered > 0 {
		slog.Warn("ledger recovered interrupted files", "files", recovered)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc = doc
	snap := doc.snapshot()
	slog.Info("ledger loaded", "path", l.path, "files", snap.TotalFiles, "completed", snap.CompletedCount, "failed", snap.FailedCount, "skipped", snap.SkippedCount)
	return snap, nil
}

func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	doc := &document{}
	if err := jsonUnmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", path, err)
	}
	if doc.Files == nil {
		doc.Files = make(map[string]*FileRecord)
	}
	if doc.NextBatchID <= 0 {
		doc.NextBatchID = 1
	}
	for key, r := range doc.Files {
		if r == nil {
			delete(doc.Files, key)
			continue
		}
		r.RelativePath = key
	}
	return doc, nil
}

// ReadSnapshot reads a ledger without taking its lock, for monitors.
func ReadSnapshot(path string) (Snapshot, error) {
	doc, err := readDocument(path)
	if err != nil {
		return Snapshot{}, err
	}
	if doc == nil {
		return Snapshot{}, fmt.Errorf("ledger %s: %w", path, os.ErrNotExist)
	}
	return doc.snapshot(), nil
}

// Register creates a Pending record for every candidate not seen before and
// returns how many were added.
func (l *Ledger) Register(candidates []transfer.FileCandidate) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := 0
	for _, c := range candidates {
		key := c.Key()
		if key == "" {
			continue
		}
		if _, ok := l.doc.Files[key]; ok {
			continue
		}
		l.doc.Files[key] = &FileRecord{RelativePath: key, Status: Pending, SizeBytes: c.SizeBytes}
		added++
	}
	l.doc.TotalFiles = len(l.doc.Files)
	return added
}

// Remaining returns the candidates that still need work, in input order.
// Completed and skipped files are excluded; failed files only come back when
// retryFailed is set.
func Remaining(snap Snapshot, candidates []transfer.FileCandidate, retryFailed bool) []transfer.FileCandidate {
	out := make([]transfer.FileCandidate, 0, len(candidates))
	for _, c := range candidates {
		r, ok := snap.Files[c.Key()]
		if !ok {
			out = append(out, c)
			continue
		}
		switch {
		case r.Status.Terminal():
		case r.Status == Failed && !retryFailed:
		default:
			out = append(out, c)
		}
	}
	return out
}

// ResetFailed moves every Failed record back to Pending. It is only used in
// retry-failed mode; the caller takes a Backup first.
func (l *Ledger) ResetFailed() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, r := range l.doc.Files {
		if r.Status == Failed {
			r.Status = Pending
			r.Error = ""
			n++
		}
	}
	return n
}

// NextBatchID is the id the next batch should use. Ids keep increasing
// across resumed runs.
func (l *Ledger) NextBatchID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.NextBatchID
}

// MarkInProgress moves Pending records into InProgress for a batch.
func (l *Ledger) MarkInProgress(batchID int, keys []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range keys {
		r, ok := l.doc.Files[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFile, key)
		}
		if r.Status != Pending {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, r.Status, InProgress)
		}
	}
	for _, key := range keys {
		r := l.doc.Files[key]
		r.Status = InProgress
		r.BatchID = batchID
	}
	if batchID >= l.doc.NextBatchID {
		l.doc.NextBatchID = batchID + 1
	}
	return nil
}

// Release returns InProgress records that never finished to Pending.
func (l *Ledger) Release(keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range keys {
		r, ok := l.doc.Files[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFile, key)
		}
		if r.Status != InProgress {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, r.Status, Pending)
		}
		r.Status = Pending
	}
	return nil
}

// RecordOutcome stores the final outcome of a file. outcome.Attempt is the
// number of attempts made for it in this run.
func (l *Ledger) RecordOutcome(key string, outcome transfer.UploadOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.doc.Files[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, key)
	}

	var next Status
	switch outcome.Status {
	case transfer.Success:
		next = Completed
	case transfer.Skipped:
		next = SkippedExisting
	case transfer.TransientFailure, transfer.CredentialFailure, transfer.FatalFailure:
		next = Failed
	default:
		return fmt.Errorf("%w: unknown outcome %q for %s", ErrInvalidTransition, outcome.Status, key)
	}
	if r.Status != InProgress {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, r.Status, next)
	}

	r.Status = next
	r.AttemptCount += max(outcome.Attempt, 1)
	r.LastAttemptTimestamp = outcome.Timestamp
	if r.LastAttemptTimestamp.IsZero() {
		r.LastAttemptTimestamp = l.now()
	}
	r.Error = ""
	if next == Failed {
		r.Error = outcome.ErrorDetail()
	}
	if next == Completed {
		l.doc.BytesTransferred += outcome.BytesTransferred
	}
	return nil
}

// Save writes the document atomically.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

func (l *Ledger) saveLocked() error {
	if l.closed {
		return ErrClosed
	}

	l.doc.Version = documentVersion
	l.doc.LastSaved = l.now()
	l.doc.recount()

	data, err := jsonMarshal(l.doc)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := utils.WriteFileAtomic(l.path, data, 0o644); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// Checkpoint appends a batch checkpoint to the bounded history and saves.
func (l *Ledger) Checkpoint(cp BatchCheckpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.doc.Batches = append(l.doc.Batches, cp)
	if n := len(l.doc.Batches); n > maxCheckpoints {
		l.doc.Batches = append([]BatchCheckpoint(nil), l.doc.Batches[n-maxCheckpoints:]...)
	}
	if cp.BatchID >= l.doc.NextBatchID {
		l.doc.NextBatchID = cp.BatchID + 1
	}
	return l.saveLocked()
}

// Backup copies the saved document next to it as <ledger>.<timestamp>.bak.
// It returns an empty path when there is nothing on disk yet.
func (l *Ledger) Backup(reason string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return backup(l.path, l.now(), reason)
}

// BackupFile backs up a ledger that is not open.
func BackupFile(path, reason string) (string, error) {
	return backup(path, time.Now(), reason)
}

func backup(path string, now time.Time, reason string) (string, error) {
	if !utils.FileExists(path) {
		return "", nil
	}
	dst := fmt.Sprintf("%s.%s.bak", path, now.Format("20060102-150405.000"))
	if err := utils.CopyFile(path, dst); err != nil {
		return "", fmt.Errorf("backup ledger: %w", err)
	}
	slog.Info("ledger backup", "path", dst, "reason", reason)
	return dst, nil
}

// Snapshot returns a deep copy of the in-memory state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.snapshot()
}

// Counts is Snapshot without the per-file records and checkpoint history.
func (l *Ledger) Counts() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.counts()
}

// Rate is files per second over the last n checkpoints.
func (l *Ledger) Rate(n int) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return rate(l.doc.Batches, n)
}

// Dir is the directory holding the ledger and its side files.
func (l *Ledger) Dir() string {
	return filepath.Dir(l.path)
}
