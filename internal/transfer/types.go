// Package transfer holds the data model shared by the migration engine: the
// immutable candidates handed over by the enumeration step and the outcome of
// a single upload attempt.
package transfer

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// FileCandidate describes one unit of work. It is produced once by the
// enumeration collaborator and never mutated.
type FileCandidate struct {
	SourcePath   string `json:"path"`
	RelativePath string `json:"relative_path"`
	SizeBytes    int64  `json:"size_bytes"`
}

// Validate checks the candidate has a source, a destination key and a
// non-negative size.
func (c FileCandidate) Validate() error {
	if c.SourcePath == "" {
		return fmt.Errorf("%w: empty source path", ErrInvalidCandidate)
	}
	if NormalizeKey(c.RelativePath) == "" {
		return fmt.Errorf("%w: bad relative path %q for %s", ErrInvalidCandidate, c.RelativePath, c.SourcePath)
	}
	if c.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size for %s", ErrInvalidCandidate, c.RelativePath)
	}
	return nil
}

// Key returns the normalized destination key for the candidate.
func (c FileCandidate) Key() string {
	return NormalizeKey(c.RelativePath)
}

// NormalizeKey converts a relative path into a destination key: forward
// slashes, no leading or trailing separators, no dot segments.
func NormalizeKey(rel string) string {
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return ""
	}
	cleaned := path.Clean(rel)
	// keys must stay below the destination root
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	return cleaned
}

// OutcomeStatus is the result class of one upload attempt.
type OutcomeStatus string

const (
	Success           OutcomeStatus = "success"
	Skipped           OutcomeStatus = "skipped"
	TransientFailure  OutcomeStatus = "transient_failure"
	CredentialFailure OutcomeStatus = "credential_failure"
	FatalFailure      OutcomeStatus = "fatal_failure"
)

// IsFailure reports whether the status is one of the failure classes.
func (s OutcomeStatus) IsFailure() bool {
	switch s {
	case TransientFailure, CredentialFailure, FatalFailure:
		return true
	}
	return false
}

// UploadOutcome is the result of one attempt to upload a candidate.
type UploadOutcome struct {
	Status           OutcomeStatus
	BytesTransferred int64
	Err              error
	Detail           string
	Attempt          int
	Timestamp        time.Time
}

// ErrorDetail returns the detail string recorded for the outcome, falling back
// to the error text.
func (o UploadOutcome) ErrorDetail() string {
	switch {
	case o.Detail != "" && o.Err != nil:
		return o.Detail + ": " + o.Err.Error()
	case o.Detail != "":
		return o.Detail
	case o.Err != nil:
		return o.Err.Error()
	}
	return ""
}
