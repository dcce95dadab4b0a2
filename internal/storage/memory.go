package storage

import (
	"context"
	"iter"
	"sync"
	"time"

	"payrelay/internal/jobs"
)

// memoryStore keeps jobs in process memory. One mutex guards everything;
// every operation is a short map update so the claim CAS stays trivially atomic.
type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	seq      int64
	byID     map[string]*jobs.Job
	byKey    map[string]string
	attempts map[string][]jobs.Attempt
}

func NewMemory() Store {
	return &memoryStore{
		byID:     map[string]*jobs.Job{},
		byKey:    map[string]string{},
		attempts: map[string][]jobs.Attempt{},
	}
}

func (s *memoryStore) Enqueue(ctx context.Context, j *jobs.Job) (*jobs.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	nj, err := prepareNew(j)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if id, ok := s.byKey[nj.Key]; ok {
		return s.byID[id].Clone(), false, nil
	}
	s.seq++
	nj.Seq = s.seq
	s.byID[nj.ID] = nj
	s.byKey[nj.Key] = nj.ID
	return nj.Clone(), true, nil
}

func (s *memoryStore) FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*jobs.Job, error] {
	return func(yield func(*jobs.Job, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			yield(nil, ErrClosed)
			return
		}
		due := make([]*jobs.Job, 0, 16)
		for _, j := range s.byID {
			if j.State.Claimable() && !j.DueAt.After(now) {
				due = append(due, j.Clone())
			}
		}
		s.mu.Unlock()

		sortDue(due)
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		for _, j := range due {
			if !yield(j, nil) {
				return
			}
		}
	}
}

func (s *memoryStore) MarkInFlight(ctx context.Context, jobID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if !j.State.Claimable() {
		return false, nil
	}
	j.State = jobs.StateInFlight
	j.UpdatedAt = at
	return true, nil
}

func (s *memoryStore) RecordOutcome(ctx context.Context, jobID string, tr jobs.Transition) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[jobID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	next, att, err := tr.Apply(cur)
	if err != nil {
		return nil, err
	}
	s.byID[jobID] = next
	if att != nil {
		s.attempts[jobID] = append(s.attempts[jobID], *att)
	}
	return next.Clone(), nil
}

func (s *memoryStore) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *memoryStore) GetByKey(ctx context.Context, key string) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *memoryStore) Attempts(ctx context.Context, jobID string) ([]jobs.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[jobID]; !ok {
		return nil, jobs.ErrNotFound
	}
	return append([]jobs.Attempt(nil), s.attempts[jobID]...), nil
}

func (s *memoryStore) Cancel(ctx context.Context, key string, at time.Time) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	next, changed, err := jobs.Cancel(s.byID[id], at)
	if err != nil {
		return nil, err
	}
	if changed {
		s.byID[id] = next
	}
	return next.Clone(), nil
}

func (s *memoryStore) Requeue(ctx context.Context, key string, dueAt, at time.Time) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	next, err := jobs.Requeue(s.byID[id], dueAt, at)
	if err != nil {
		return nil, err
	}
	s.byID[id] = next
	return next.Clone(), nil
}

func (s *memoryStore) RecoverStale(ctx context.Context, staleBefore, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.byID {
		if j.State != jobs.StateInFlight || !j.UpdatedAt.Before(staleBefore) {
			continue
		}
		next, _, err := staleTransition(at).Apply(j)
		if err != nil {
			return n, err
		}
		s.byID[id] = next
		n++
	}
	return n, nil
}

func (s *memoryStore) Counts(ctx context.Context) (map[jobs.State]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[jobs.State]int{}
	for _, j := range s.byID {
		out[j.State]++
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func staleTransition(at time.Time) jobs.Transition {
	return jobs.Transition{
		To:          jobs.StateRetryScheduled,
		At:          at,
		ErrorKind:   jobs.ErrorKindStale,
		Error:       "in-flight attempt abandoned",
		NextRetryAt: at,
	}
}
