package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses. A job moves queued -> active -> completed or failed; a failed
// attempt with budget left goes back to queued after a backoff delay.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobKind identifies the ingestion source type. The set is closed: the worker
// dispatches on it, so unknown kinds are rejected at enqueue time.
type JobKind string

const (
	KindPDF  JobKind = "pdf"
	KindPage JobKind = "page"
)

// Payload is the validated job payload. Every field is required; the
// document id in particular tags all chunks the job produces, and retrieval
// filters on it.
type Payload struct {
	Kind       JobKind
	DocumentID string
	StorageRef string
	Filename   string
}

// Validate rejects payloads that would produce an unprocessable job.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindPDF, KindPage:
	default:
		return fmt.Errorf("unknown job kind %q", p.Kind)
	}
	if p.DocumentID == "" {
		return errors.New("document id is required")
	}
	if p.StorageRef == "" {
		return errors.New("storage reference is required")
	}
	if p.Filename == "" {
		return errors.New("filename is required")
	}
	return nil
}

// Job is one durable queue entry.
type Job struct {
	ID          string
	Kind        JobKind
	DocumentID  string
	Filename    string
	StorageRef  string
	Status      string
	Attempts    int
	MaxAttempts int
	Progress    int // 0-100, monotonically increasing
	ChunkCount  int // set on completion
	LastError   string
	RunAfter    time.Time
	LeaseUntil  time.Time // zero unless active
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobKey derives the deterministic job id for a storage reference. Enqueueing
// the same reference while a job for it is queued or active is a no-op, which
// is what makes enqueue idempotent per upload.
func JobKey(storageRef string) string {
	return "ingest:" + storageRef
}
