package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	logx "payrelay/pkg/logx"

	"payrelay/internal/jobs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Enqueue(ctx context.Context, j *jobs.Job) (*jobs.Job, bool, error) {
	nj, err := prepareNew(j)
	if err != nil {
		return nil, false, err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO payrelay_jobs (id, idem_key, merchant_id, kind, payload, due_at, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idem_key) DO NOTHING
		RETURNING seq`,
		nj.ID, nj.Key, nj.MerchantID, string(nj.Kind), nj.Payload,
		nj.DueAt, string(nj.State), nj.CreatedAt, nj.UpdatedAt,
	).Scan(&nj.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.GetByKey(ctx, nj.Key)
		return existing, false, gerr
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: enqueue: %w", err)
	}
	return nj, true, nil
}

func (s *postgresStore) FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*jobs.Job, error] {
	return func(yield func(*jobs.Job, error) bool) {
		var lim any
		if limit > 0 {
			lim = limit
		}
		rows, err := s.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM payrelay_jobs
			WHERE state IN ($1, $2) AND due_at <= $3
			ORDER BY due_at, seq
			LIMIT $4`,
			string(jobs.StatePending), string(jobs.StateRetryScheduled), now, lim,
		)
		if err != nil {
			yield(nil, fmt.Errorf("postgres: fetch due: %w", err))
			return
		}
		due, err := collectPostgres(rows)
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

func (s *postgresStore) MarkInFlight(ctx context.Context, jobID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payrelay_jobs SET state = $1, updated_at = $2
		WHERE id = $3 AND state IN ($4, $5)`,
		string(jobs.StateInFlight), at, jobID,
		string(jobs.StatePending), string(jobs.StateRetryScheduled),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: mark in flight: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *postgresStore) RecordOutcome(ctx context.Context, jobID string, tr jobs.Transition) (*jobs.Job, error) {
	var out *jobs.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := getPostgres(ctx, tx, `id = $1 FOR UPDATE`, jobID)
		if err != nil {
			return err
		}
		next, att, err := tr.Apply(cur)
		if err != nil {
			return err
		}
		if err := writePostgres(ctx, tx, next, cur.State); err != nil {
			return err
		}
		if att != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO payrelay_attempts (job_id, number, at, outcome, latency_ns, error_code, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				att.JobID, att.Number, att.At, string(att.Outcome),
				int64(att.Latency), att.ErrorCode, att.Error,
			); err != nil {
				return fmt.Errorf("postgres: append attempt: %w", err)
			}
		}
		out = next
		return nil
	})
	return out, err
}

func (s *postgresStore) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	return getPostgres(ctx, s.pool, `id = $1`, jobID)
}

func (s *postgresStore) GetByKey(ctx context.Context, key string) (*jobs.Job, error) {
	return getPostgres(ctx, s.pool, `idem_key = $1`, key)
}

func (s *postgresStore) Attempts(ctx context.Context, jobID string) ([]jobs.Attempt, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, number, at, outcome, latency_ns, error_code, error
		FROM payrelay_attempts WHERE job_id = $1 ORDER BY number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("postgres: attempts: %w", err)
	}
	defer rows.Close()

	var out []jobs.Attempt
	for rows.Next() {
		var (
			a       jobs.Attempt
			lat     int64
			outcome string
		)
		if err := rows.Scan(&a.JobID, &a.Number, &a.At, &outcome, &lat, &a.ErrorCode, &a.Error); err != nil {
			return nil, err
		}
		a.Outcome = jobs.Outcome(outcome)
		a.Latency = time.Duration(lat)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresStore) Cancel(ctx context.Context, key string, at time.Time) (*jobs.Job, error) {
	var out *jobs.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := getPostgres(ctx, tx, `idem_key = $1 FOR UPDATE`, key)
		if err != nil {
			return err
		}
		next, changed, err := jobs.Cancel(cur, at)
		if err != nil {
			return err
		}
		if changed {
			if err := writePostgres(ctx, tx, next, cur.State); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	return out, err
}

func (s *postgresStore) Requeue(ctx context.Context, key string, dueAt, at time.Time) (*jobs.Job, error) {
	var out *jobs.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := getPostgres(ctx, tx, `idem_key = $1 FOR UPDATE`, key)
		if err != nil {
			return err
		}
		next, err := jobs.Requeue(cur, dueAt, at)
		if err != nil {
			return err
		}
		if err := writePostgres(ctx, tx, next, cur.State); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *postgresStore) RecoverStale(ctx context.Context, staleBefore, at time.Time) (int, error) {
	n := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+` FROM payrelay_jobs
			WHERE state = $1 AND updated_at < $2
			FOR UPDATE SKIP LOCKED`,
			string(jobs.StateInFlight), staleBefore)
		if err != nil {
			return err
		}
		stale, err := collectPostgres(rows)
		if err != nil {
			return err
		}
		tr := staleTransition(at)
		for _, cur := range stale {
			next, _, err := tr.Apply(cur)
			if err != nil {
				return err
			}
			if err := writePostgres(ctx, tx, next, cur.State); err != nil {
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

func (s *postgresStore) Counts(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM payrelay_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[jobs.State]int{}
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[jobs.State(st)] = int(n)
	}
	return out, rows.Err()
}

func getPostgres(ctx context.Context, q pgQuerier, where string, arg any) (*jobs.Job, error) {
	j, err := scanPostgres(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM payrelay_jobs WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return j, err
}

func writePostgres(ctx context.Context, q pgQuerier, j *jobs.Job, expect jobs.State) error {
	var next *time.Time
	if !j.NextRetryAt.IsZero() {
		t := j.NextRetryAt
		next = &t
	}
	tag, err := q.Exec(ctx, `
		UPDATE payrelay_jobs SET
			due_at = $1, state = $2, attempts = $3, budget_base = $4,
			last_error_kind = $5, last_error = $6, next_retry_at = $7, reason = $8, updated_at = $9
		WHERE id = $10 AND state = $11`,
		j.DueAt, string(j.State), j.Attempts, j.BudgetBase,
		j.LastErrorKind, j.LastError, next, j.Reason, j.UpdatedAt,
		j.ID, string(expect),
	)
	if err != nil {
		return fmt.Errorf("postgres: write job: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s changed concurrently", jobs.ErrInvalidState, j.ID)
	}
	return nil
}

func collectPostgres(rows pgx.Rows) ([]*jobs.Job, error) {
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanPostgres(r pgx.Row) (*jobs.Job, error) {
	var (
		j           jobs.Job
		kind, state string
		next        *time.Time
	)
	err := r.Scan(&j.Seq, &j.ID, &j.Key, &j.MerchantID, &kind, &j.Payload, &j.DueAt, &state,
		&j.Attempts, &j.BudgetBase, &j.LastErrorKind, &j.LastError, &next, &j.Reason, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = jobs.Kind(kind)
	j.State = jobs.State(state)
	if next != nil {
		j.NextRetryAt = *next
	}
	return &j, nil
}
