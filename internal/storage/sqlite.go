// Package storage provides the durable, at-least-once ingestion job queue
// backed by SQLite.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// DefaultMaxAttempts is the retry budget for a job unless the caller
	// overrides it at enqueue time.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the delay before the first retry; it doubles on
	// every further attempt.
	DefaultBackoffBase = time.Second

	// DefaultVisibility is how long a claimed job stays invisible before it
	// is assumed abandoned and requeued.
	DefaultVisibility = 60 * time.Second
)

// Store wraps a SQLite database holding the job queue and the chunk vector
// table used by the SQLite vector index backend.
type Store struct {
	db *sql.DB

	// BackoffBase and Visibility tune retry and lease behaviour; Open sets
	// the defaults and callers may override before starting workers.
	BackoffBase time.Duration
	Visibility  time.Duration
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "askpaper.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{
		db:          db,
		BackoffBase: DefaultBackoffBase,
		Visibility:  DefaultVisibility,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for components sharing the database,
// such as the SQLite vector index backend.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Job queue ---

const jobColumns = `id, kind, document_id, filename, storage_ref, status, attempts,
	max_attempts, progress, chunk_count, last_error, run_after, lease_until, created_at, updated_at`

// EnqueueJob creates (or revives) the job for the payload's storage
// reference. The job id is deterministic (JobKey), so enqueueing the same
// reference while its job is queued or active returns the existing job
// without creating a duplicate. A completed or terminally failed job is reset
// to queued, starting a fresh ingestion run for the document.
func (s *Store) EnqueueJob(p Payload, maxAttempts int) (*Job, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job payload: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	id := JobKey(p.StorageRef)
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO jobs (id, kind, document_id, filename, storage_ref, status, attempts,
				max_attempts, progress, chunk_count, last_error, run_after, lease_until, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, 0, 0, '', ?, '', ?, ?)`,
			id, p.Kind, p.DocumentID, p.Filename, p.StorageRef, maxAttempts, nowStr, nowStr, nowStr,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting job: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("checking existing job: %w", err)
	case status == StatusQueued || status == StatusActive:
		// Idempotent: work for this reference is already pending.
	default:
		// Terminal job for the same reference: start a fresh run.
		_, err = tx.Exec(`
			UPDATE jobs SET kind = ?, document_id = ?, filename = ?, status = 'queued',
				attempts = 0, max_attempts = ?, progress = 0, chunk_count = 0, last_error = '',
				run_after = ?, lease_until = '', updated_at = ?
			WHERE id = ?`,
			p.Kind, p.DocumentID, p.Filename, maxAttempts, nowStr, nowStr, id,
		)
		if err != nil {
			return nil, fmt.Errorf("reviving job: %w", err)
		}
	}

	job, err := getJobTx(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing enqueue: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the oldest runnable queued job, marking it
// active and granting the caller a lease of s.Visibility. Expired leases from
// crashed workers are recovered first, so no claimed job is ever lost.
// Returns (nil, nil) when no job is runnable.
func (s *Store) ClaimNextJob() (*Job, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	if err := s.recoverExpiredLeases(now); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE status = 'queued' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC, id ASC
		LIMIT 1`, nowStr,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	leaseUntil := now.Add(s.Visibility).Format(time.RFC3339)
	res, err := tx.Exec(`
		UPDATE jobs SET status = 'active', lease_until = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`,
		leaseUntil, nowStr, id,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	job, err := getJobTx(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return job, nil
}

// recoverExpiredLeases requeues active jobs whose lease has lapsed (worker
// crash or hang). The lapse consumes an attempt so a crash-looping job still
// dead-letters instead of cycling forever.
func (s *Store) recoverExpiredLeases(now time.Time) error {
	nowStr := now.Format(time.RFC3339)

	_, err := s.db.Exec(`
		UPDATE jobs SET status = 'failed', attempts = attempts + 1,
			last_error = 'visibility timeout expired', lease_until = '', updated_at = ?
		WHERE status = 'active' AND lease_until != '' AND lease_until <= ? AND attempts + 1 >= max_attempts`,
		nowStr, nowStr,
	)
	if err != nil {
		return fmt.Errorf("dead-lettering expired leases: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE jobs SET status = 'queued', attempts = attempts + 1,
			last_error = 'visibility timeout expired', lease_until = '', updated_at = ?
		WHERE status = 'active' AND lease_until != '' AND lease_until <= ?`,
		nowStr, nowStr,
	)
	if err != nil {
		return fmt.Errorf("requeueing expired leases: %w", err)
	}
	return nil
}

// ExtendLease renews the caller's lease on an active job. Workers call it
// between pipeline stages so long-running jobs are not requeued mid-flight.
func (s *Store) ExtendLease(id string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET lease_until = ?, updated_at = ? WHERE id = ? AND status = 'active'`,
		now.Add(s.Visibility).Format(time.RFC3339), now.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("extending lease for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobProgress raises a job's progress. Progress never decreases, so
// stale writers cannot roll a caller's view backwards.
func (s *Store) UpdateJobProgress(id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET progress = MAX(progress, ?), updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating progress for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob marks a job completed with the number of chunks it indexed.
func (s *Store) CompleteJob(id string, chunkCount int) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'completed', progress = 100, chunk_count = ?,
			lease_until = '', updated_at = ?
		WHERE id = ?`,
		chunkCount, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a transient failure. With attempts remaining the job goes
// back to queued after an exponential backoff delay; otherwise it
// dead-letters as failed with the error retained verbatim.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`
			UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, lease_until = '', updated_at = ?
			WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := s.BackoffBase << (attempts - 1)
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`
			UPDATE jobs SET status = 'queued', attempts = ?, last_error = ?, run_after = ?,
				lease_until = '', updated_at = ?
			WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// FailJobPermanent dead-letters a job immediately, bypassing the retry
// budget. Used for failures that cannot succeed on retry, such as a
// malformed document.
func (s *Store) FailJobPermanent(id string, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = ?,
			lease_until = '', updated_at = ?
		WHERE id = ?`,
		errMsg, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	return getJobRow(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// GetDocumentJob returns the most recent job for a document id.
func (s *Store) GetDocumentJob(documentID string) (*Job, error) {
	return getJobRow(s.db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs WHERE document_id = ?
		ORDER BY created_at DESC LIMIT 1`, documentID))
}

// ListJobs returns jobs filtered by status (all statuses when empty), newest
// first. Operators use it to inspect dead-lettered jobs.
func (s *Store) ListJobs(status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// PurgeJobs removes completed jobs finished before completedBefore and failed
// jobs finished before failedBefore, bounding queue-table growth while
// keeping recent history for observability.
func (s *Store) PurgeJobs(completedBefore, failedBefore time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE (status = 'completed' AND updated_at < ?)
		   OR (status = 'failed' AND updated_at < ?)`,
		completedBefore.UTC().Format(time.RFC3339), failedBefore.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getJobTx(tx *sql.Tx, id string) (*Job, error) {
	return getJobRow(tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func getJobRow(row *sql.Row) (*Job, error) {
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var kind, runAfter, leaseUntil, createdAt, updatedAt string
	err := row.Scan(
		&j.ID, &kind, &j.DocumentID, &j.Filename, &j.StorageRef, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.Progress, &j.ChunkCount, &j.LastError,
		&runAfter, &leaseUntil, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = JobKind(kind)

	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if leaseUntil != "" {
		if j.LeaseUntil, err = time.Parse(time.RFC3339, leaseUntil); err != nil {
			return nil, fmt.Errorf("parsing lease_until for job %s: %w", j.ID, err)
		}
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}
