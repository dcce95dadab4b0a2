package storage

import (
	"context"
	"errors"
	"iter"
	"time"

	"payrelay/internal/jobs"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default; lost on restart)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// Store is the job store contract shared by all backends.
type Store interface {
	// Enqueue inserts j as pending. If the idempotency key already exists the
	// existing job is returned with created=false.
	Enqueue(ctx context.Context, j *jobs.Job) (job *jobs.Job, created bool, err error)

	// FetchDue yields up to limit jobs in pending or retry_scheduled whose
	// due_at <= now, earliest first, ties by arrival. Each range over the
	// returned sequence re-queries the store. A yielded job may already be
	// claimed by a concurrent caller; MarkInFlight decides.
	FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*jobs.Job, error]

	// MarkInFlight claims a claimable job. It returns false when another
	// caller won the race or the job is no longer claimable.
	MarkInFlight(ctx context.Context, jobID string, at time.Time) (bool, error)

	// RecordOutcome applies tr to an in_flight job and appends the attempt
	// if tr is counted. It fails with jobs.ErrInvalidState if the job left
	// in_flight in the meantime (for example, it was cancelled).
	RecordOutcome(ctx context.Context, jobID string, tr jobs.Transition) (*jobs.Job, error)

	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	GetByKey(ctx context.Context, key string) (*jobs.Job, error)
	Attempts(ctx context.Context, jobID string) ([]jobs.Attempt, error)

	Cancel(ctx context.Context, key string, at time.Time) (*jobs.Job, error)
	Requeue(ctx context.Context, key string, dueAt, at time.Time) (*jobs.Job, error)

	// RecoverStale moves jobs stuck in_flight since before staleBefore back
	// to retry_scheduled without counting an attempt.
	RecoverStale(ctx context.Context, staleBefore, at time.Time) (int, error)

	Counts(ctx context.Context) (map[jobs.State]int, error)
	Close() error
}
