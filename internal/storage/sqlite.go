package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "payrelay/pkg/logx"

	"payrelay/internal/jobs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx. Inside a transaction every
// statement must go through the tx: the pool holds a single connection.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Enqueue(ctx context.Context, j *jobs.Job) (*jobs.Job, bool, error) {
	nj, err := prepareNew(j)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO payrelay_jobs(id, idem_key, merchant_id, kind, payload, due_at, state, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(idem_key) DO NOTHING`,
		nj.ID, nj.Key, nj.MerchantID, string(nj.Kind), nj.Payload,
		toNanos(nj.DueAt), string(nj.State), toNanos(nj.CreatedAt), toNanos(nj.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite enqueue: %w", err)
	}
	n, _ := res.RowsAffected()
	got, err := s.GetByKey(ctx, nj.Key)
	if err != nil {
		return nil, false, err
	}
	return got, n == 1, nil
}

func (s *sqliteStore) FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*jobs.Job, error] {
	return func(yield func(*jobs.Job, error) bool) {
		if limit <= 0 {
			limit = -1
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM payrelay_jobs
			 WHERE state IN (?, ?) AND due_at <= ?
			 ORDER BY due_at, seq
			 LIMIT ?`,
			string(jobs.StatePending), string(jobs.StateRetryScheduled), toNanos(now), limit,
		)
		if err != nil {
			yield(nil, fmt.Errorf("sqlite fetch due: %w", err))
			return
		}
		// Drain before yielding: the consumer claims jobs on the same connection.
		due, err := collectSQLite(rows)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, j := range due {
			if !yield(j, nil) {
				return
			}
		}
	}
}

func (s *sqliteStore) MarkInFlight(ctx context.Context, jobID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payrelay_jobs SET state = ?, updated_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		string(jobs.StateInFlight), toNanos(at), jobID,
		string(jobs.StatePending), string(jobs.StateRetryScheduled),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite mark in flight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, jobID string, tr jobs.Transition) (*jobs.Job, error) {
	var out *jobs.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getSQLite(ctx, tx, `id = ?`, jobID)
		if err != nil {
			return err
		}
		next, att, err := tr.Apply(cur)
		if err != nil {
			return err
		}
		if err := writeSQLite(ctx, tx, next, cur.State); err != nil {
			return err
		}
		if att != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO payrelay_attempts(job_id, number, at, outcome, latency_ns, error_code, error)
				 VALUES(?,?,?,?,?,?,?)`,
				att.JobID, att.Number, toNanos(att.At), string(att.Outcome),
				int64(att.Latency), att.ErrorCode, att.Error,
			); err != nil {
				return fmt.Errorf("sqlite append attempt: %w", err)
			}
		}
		out = next
		return nil
	})
	return out, err
}

func (s *sqliteStore) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	return getSQLite(ctx, s.db, `id = ?`, jobID)
}

func (s *sqliteStore) GetByKey(ctx context.Context, key string) (*jobs.Job, error) {
	return getSQLite(ctx, s.db, `idem_key = ?`, key)
}

func (s *sqliteStore) Attempts(ctx context.Context, jobID string) ([]jobs.Attempt, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, number, at, outcome, latency_ns, error_code, error
		 FROM payrelay_attempts WHERE job_id = ? ORDER BY number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("sqlite attempts: %w", err)
	}
	defer rows.Close()

	var out []jobs.Attempt
	for rows.Next() {
		var (
			a       jobs.Attempt
			at, lat int64
			outcome string
		)
		if err := rows.Scan(&a.JobID, &a.Number, &at, &outcome, &lat, &a.ErrorCode, &a.Error); err != nil {
			return nil, err
		}
		a.At = fromNanos(at)
		a.Outcome = jobs.Outcome(outcome)
		a.Latency = time.Duration(lat)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Cancel(ctx context.Context, key string, at time.Time) (*jobs.Job, error) {
	var out *jobs.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getSQLite(ctx, tx, `idem_key = ?`, key)
		if err != nil {
			return err
		}
		next, changed, err := jobs.Cancel(cur, at)
		if err != nil {
			return err
		}
		if changed {
			if err := writeSQLite(ctx, tx, next, cur.State); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	return out, err
}

func (s *sqliteStore) Requeue(ctx context.Context, key string, dueAt, at time.Time) (*jobs.Job, error) {
	var out *jobs.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getSQLite(ctx, tx, `idem_key = ?`, key)
		if err != nil {
			return err
		}
		next, err := jobs.Requeue(cur, dueAt, at)
		if err != nil {
			return err
		}
		if err := writeSQLite(ctx, tx, next, cur.State); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *sqliteStore) RecoverStale(ctx context.Context, staleBefore, at time.Time) (int, error) {
	n := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM payrelay_jobs WHERE state = ? AND updated_at < ?`,
			string(jobs.StateInFlight), toNanos(staleBefore))
		if err != nil {
			return err
		}
		stale, err := collectSQLite(rows)
		if err != nil {
			return err
		}
		tr := staleTransition(at)
		for _, cur := range stale {
			next, _, err := tr.Apply(cur)
			if err != nil {
				return err
			}
			if err := writeSQLite(ctx, tx, next, cur.State); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) Counts(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM payrelay_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[jobs.State]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[jobs.State(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func getSQLite(ctx context.Context, q querier, where string, arg any) (*jobs.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM payrelay_jobs WHERE `+where, arg)
	j, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return j, err
}

// writeSQLite persists the mutable columns of j, guarded by the state the
// caller read it in.
func writeSQLite(ctx context.Context, q querier, j *jobs.Job, expect jobs.State) error {
	res, err := q.ExecContext(ctx,
		`UPDATE payrelay_jobs SET
			due_at = ?, state = ?, attempts = ?, budget_base = ?,
			last_error_kind = ?, last_error = ?, next_retry_at = ?, reason = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		toNanos(j.DueAt), string(j.State), j.Attempts, j.BudgetBase,
		j.LastErrorKind, j.LastError, toNanos(j.NextRetryAt), j.Reason, toNanos(j.UpdatedAt),
		j.ID, string(expect),
	)
	if err != nil {
		return fmt.Errorf("sqlite write job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: %s changed concurrently", jobs.ErrInvalidState, j.ID)
	}
	return nil
}

func collectSQLite(rows *sql.Rows) ([]*jobs.Job, error) {
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanSQLite(r rowScanner) (*jobs.Job, error) {
	var (
		j                           jobs.Job
		kind, state                 string
		due, next, created, updated int64
	)
	err := r.Scan(&j.Seq, &j.ID, &j.Key, &j.MerchantID, &kind, &j.Payload, &due, &state,
		&j.Attempts, &j.BudgetBase, &j.LastErrorKind, &j.LastError, &next, &j.Reason, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.Kind = jobs.Kind(kind)
	j.State = jobs.State(state)
	j.DueAt = fromNanos(due)
	j.NextRetryAt = fromNanos(next)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	return &j, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
