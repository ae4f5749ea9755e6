package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/lakelift/internal/db"
	"github.com/openmined/lakelift/internal/transfer"
)

const attemptSchema = `
CREATE TABLE IF NOT EXISTS attempts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT    NOT NULL,
	path       TEXT    NOT NULL,
	batch_id   INTEGER NOT NULL,
	attempt    INTEGER NOT NULL,
	status     TEXT    NOT NULL,
	detail     TEXT    NOT NULL DEFAULT '',
	bytes      INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`

const attemptPathIndex = `CREATE INDEX IF NOT EXISTS attempts_path ON attempts (path, id)`

// Attempt is one row of the attempt journal.
type Attempt struct {
	ID        int64  `db:"id"`
	RunID     string `db:"run_id"`
	Path      string `db:"path"`
	BatchID   int    `db:"batch_id"`
	Attempt   int    `db:"attempt"`
	Status    string `db:"status"`
	Detail    string `db:"detail"`
	Bytes     int64  `db:"bytes"`
	CreatedMs int64  `db:"created_at"`
}

func (a Attempt) CreatedAt() time.Time {
	return time.UnixMilli(a.CreatedMs)
}

// NewAttempt builds a journal row from an upload outcome.
func NewAttempt(runID, path string, batchID int, outcome transfer.UploadOutcome) Attempt {
	ts := outcome.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Attempt{
		RunID:     runID,
		Path:      path,
		BatchID:   batchID,
		Attempt:   outcome.Attempt,
		Status:    string(outcome.Status),
		Detail:    outcome.ErrorDetail(),
		Bytes:     outcome.BytesTransferred,
		CreatedMs: ts.UnixMilli(),
	}
}

// AttemptLog is an append-only SQLite journal of every upload attempt, kept
// next to the ledger for post-mortems. Only the coordinator writes to it.
type AttemptLog struct {
	db *sqlx.DB
}

// AttemptLogPath is the default journal location for a ledger path.
func AttemptLogPath(ledgerPath string) string {
	ext := filepath.Ext(ledgerPath)
	return strings.TrimSuffix(ledgerPath, ext) + ".attempts.db"
}

// OpenAttemptLog opens or creates the journal. ":memory:" is accepted.
func OpenAttemptLog(ctx context.Context, path string) (*AttemptLog, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, err
	}
	if err := db.ApplySchema(ctx, conn, attemptSchema, attemptPathIndex); err != nil {
		conn.Close()
		return nil, err
	}
	return &AttemptLog{db: conn}, nil
}

func (a *AttemptLog) Close() error {
	return a.db.Close()
}

// Append writes rows in one transaction.
func (a *AttemptLog) Append(ctx context.Context, rows ...Attempt) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("attempt log: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO attempts (run_id, path, batch_id, attempt, status, detail, bytes, created_at)
		VALUES (:run_id, :path, :batch_id, :attempt, :status, :detail, :bytes, :created_at)`)
	if err != nil {
		return fmt.Errorf("attempt log: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("attempt log: %w", err)
		}
	}
	return tx.Commit()
}

// Attempts returns the journal of one file, oldest first.
func (a *AttemptLog) Attempts(ctx context.Context, path string) ([]Attempt, error) {
	var rows []Attempt
	err := a.db.SelectContext(ctx, &rows, `SELECT * FROM attempts WHERE path = ? ORDER BY id`, path)
	if err != nil {
		return nil, fmt.Errorf("attempt log: %w", err)
	}
	return rows, nil
}

// FailureSummary returns, for every file whose latest attempt failed, that
// attempt. Newest first, at most limit rows when limit > 0.
func (a *AttemptLog) FailureSummary(ctx context.Context, limit int) ([]Attempt, error) {
	query := `
		SELECT a.* FROM attempts a
		JOIN (SELECT path, MAX(id) AS id FROM attempts GROUP BY path) latest ON latest.id = a.id
		WHERE a.status IN (?, ?, ?)
		ORDER BY a.id DESC`
	args := []any{string(transfer.TransientFailure), string(transfer.CredentialFailure), string(transfer.FatalFailure)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []Attempt
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("attempt log: %w", err)
	}
	return rows, nil
}

// FailureReason counts files whose latest attempt failed with a status.
type FailureReason struct {
	Status string `db:"status"`
	Files  int    `db:"files"`
}

func (a *AttemptLog) FailureReasons(ctx context.Context) ([]FailureReason, error) {
	var rows []FailureReason
	err := a.db.SelectContext(ctx, &rows, `
		SELECT a.status, COUNT(*) AS files FROM attempts a
		JOIN (SELECT path, MAX(id) AS id FROM attempts GROUP BY path) latest ON latest.id = a.id
		WHERE a.status NOT IN (?, ?)
		GROUP BY a.status
		ORDER BY files DESC`, string(transfer.Success), string(transfer.Skipped))
	if err != nil {
		return nil, fmt.Errorf("attempt log: %w", err)
	}
	return rows, nil
}
