package aggregate

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job statuses. Transitions: Scheduled → Running → Complete|Failed.
const (
	JobScheduled = "scheduled"
	JobRunning   = "running"
	JobComplete  = "complete"
	JobFailed    = "failed"
)

// Job is one persisted job run.
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"` // e.g. "daily@2025-01-20"
	Kind         string     `json:"kind"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// JobStore persists job runs and advisory locks on the shared catalog
// database.
type JobStore struct {
	db *sql.DB
}

// NewJobStore runs migrations and returns a JobStore.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	s := &JobStore{db: db}
	const schema = `
CREATE TABLE IF NOT EXISTS aggregate_jobs (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	scheduled_for TEXT NOT NULL,
	status        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	started_at    TEXT,
	finished_at   TEXT,
	UNIQUE (name)
);

CREATE TABLE IF NOT EXISTS advisory_locks (
	name        TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate aggregate schema: %w", err)
	}
	return s, nil
}

// Create inserts a Scheduled job. A second insert for the same name
// (same job, same scheduled instant) reports alreadyExists so the
// at-most-once-per-instant rule holds across restarts.
func (s *JobStore) Create(job *Job) (alreadyExists bool, err error) {
	if job.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("generate job id: %w", err)
		}
		job.ID = id.String()
	}
	job.Status = JobScheduled

	_, err = s.db.Exec(`
INSERT INTO aggregate_jobs (id, name, kind, scheduled_for, status)
VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Kind, job.ScheduledFor.UTC().Format(time.RFC3339Nano), job.Status)
	if err != nil {
		// mattn/go-sqlite3 reports constraint failures in the message;
		// matching on it avoids importing the driver here.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return true, nil
		}
		return false, fmt.Errorf("insert job: %w", err)
	}
	return false, nil
}

// MarkRunning transitions Scheduled → Running.
func (s *JobStore) MarkRunning(id string, now time.Time) error {
	return s.transition(id, JobRunning, "", &now, nil)
}

// MarkComplete transitions Running → Complete.
func (s *JobStore) MarkComplete(id string, now time.Time) error {
	return s.transition(id, JobComplete, "", nil, &now)
}

// MarkFailed transitions Running → Failed with a reason.
func (s *JobStore) MarkFailed(id, reason string, now time.Time) error {
	return s.transition(id, JobFailed, reason, nil, &now)
}

func (s *JobStore) transition(id, status, reason string, started, finished *time.Time) error {
	_, err := s.db.Exec(`
UPDATE aggregate_jobs
SET status = ?, reason = ?,
	started_at = COALESCE(?, started_at),
	finished_at = COALESCE(?, finished_at)
WHERE id = ?`,
		status, reason, nullableTime(started), nullableTime(finished), id)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, status, err)
	}
	return nil
}

// Get returns one job by name.
func (s *JobStore) Get(name string) (Job, error) {
	var job Job
	var scheduled string
	var started, finished sql.NullString
	err := s.db.QueryRow(`
SELECT id, name, kind, scheduled_for, status, reason, started_at, finished_at
FROM aggregate_jobs WHERE name = ?`, name).
		Scan(&job.ID, &job.Name, &job.Kind, &scheduled, &job.Status, &job.Reason, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, sql.ErrNoRows
	}
	if err != nil {
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ScheduledFor, _ = time.Parse(time.RFC3339Nano, scheduled)
	if started.Valid {
		if t, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			job.StartedAt = &t
		}
	}
	if finished.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			job.FinishedAt = &t
		}
	}
	return job, nil
}

// Recent returns the latest job runs for the status API.
func (s *JobStore) Recent(limit int) ([]Job, error) {
	rows, err := s.db.Query(`
SELECT id, name, kind, scheduled_for, status, reason, started_at, finished_at
FROM aggregate_jobs ORDER BY scheduled_for DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var job Job
		var scheduled string
		var started, finished sql.NullString
		if err := rows.Scan(&job.ID, &job.Name, &job.Kind, &scheduled, &job.Status,
			&job.Reason, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.ScheduledFor, _ = time.Parse(time.RFC3339Nano, scheduled)
		if started.Valid {
			if t, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
				job.StartedAt = &t
			}
		}
		if finished.Valid {
			if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
				job.FinishedAt = &t
			}
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// AcquireLock takes the advisory lock for a job name. Holding it is a
// precondition to writing aggregates; a stale lock (expired TTL) is
// stolen.
func (s *JobStore) AcquireLock(name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)
	expStr := now.Add(ttl).UTC().Format(time.RFC3339Nano)

	res, err := s.db.Exec(`
INSERT INTO advisory_locks (name, holder, acquired_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	holder = excluded.holder,
	acquired_at = excluded.acquired_at,
	expires_at = excluded.expires_at
WHERE advisory_locks.expires_at < ? OR advisory_locks.holder = excluded.holder`,
		name, holder, nowStr, expStr, nowStr)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLock drops the lock if this holder still owns it.
func (s *JobStore) ReleaseLock(name, holder string) error {
	_, err := s.db.Exec(`DELETE FROM advisory_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
