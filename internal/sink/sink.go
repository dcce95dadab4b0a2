// Package sink records attempt outcomes exactly once per idempotency key
// and announces terminal results downstream.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payrelay/internal/dedup"
	"payrelay/internal/eventbus"
	"payrelay/internal/jobs"
	"payrelay/internal/storage"
	logx "payrelay/pkg/logx"
)

const (
	EventSucceeded      = "job.succeeded"
	EventFailed         = "job.failed"
	EventRetryScheduled = "job.retry_scheduled"
)

// JobEvent is the Data of every job.* event.
type JobEvent struct {
	JobID      string     `json:"job_id"`
	Key        string     `json:"idempotency_key"`
	MerchantID string     `json:"merchant_id"`
	Kind       jobs.Kind  `json:"kind"`
	State      jobs.State `json:"state"`
	Attempts   int        `json:"attempts"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	DueAt      time.Time  `json:"due_at"`
}

func eventFor(j *jobs.Job) JobEvent {
	return JobEvent{
		JobID:      j.ID,
		Key:        j.Key,
		MerchantID: j.MerchantID,
		Kind:       j.Kind,
		State:      j.State,
		Attempts:   j.Attempts,
		Reason:     j.Reason,
		Error:      j.LastError,
		DueAt:      j.DueAt,
	}
}

type Config struct {
	// TerminalTTL is how long a terminal record suppresses late duplicates.
	TerminalTTL time.Duration
}

type Sink struct {
	store storage.Store
	dedup dedup.Store
	bus   eventbus.Bus
	log   logx.Logger
	ttl   time.Duration
	now   func() time.Time
}

func New(cfg Config, store storage.Store, dd dedup.Store, bus eventbus.Bus, log logx.Logger) *Sink {
	if cfg.TerminalTTL <= 0 {
		cfg.TerminalTTL = 7 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		store: store,
		dedup: dd,
		bus:   bus,
		log:   log.Named("sink"),
		ttl:   cfg.TerminalTTL,
		now:   time.Now,
	}
}

// Deliver applies tr to job. It returns the stored job and whether the
// outcome was applied; a discarded outcome is not an error.
func (s *Sink) Deliver(ctx context.Context, job *jobs.Job, tr jobs.Transition) (*jobs.Job, bool, error) {
	if job == nil {
		return nil, false, jobs.ErrNotFound
	}
	seen, err := s.dedup.Seen(ctx, job.Key)
	if err != nil {
		// The store's state machine still rejects a second terminal write.
		s.log.Warn("dedup lookup failed", logx.JobKey(job.Key), logx.Err(err))
	}
	if seen {
		s.log.Debug("outcome discarded: key already terminal", logx.JobKey(job.Key), logx.String("to", string(tr.To)))
		return job, false, nil
	}

	next, err := s.store.RecordOutcome(ctx, job.ID, tr)
	if errors.Is(err, jobs.ErrInvalidState) {
		s.log.Debug("outcome discarded: job left in_flight", logx.JobKey(job.Key), logx.String("to", string(tr.To)))
		cur, gerr := s.store.Get(ctx, job.ID)
		if gerr != nil {
			return job, false, nil
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record outcome %s: %w", job.Key, err)
	}

	if !next.State.Terminal() {
		s.publish(EventRetryScheduled, next)
		return next, true, nil
	}

	first, err := s.dedup.MarkOnce(ctx, next.Key, s.ttl)
	if err != nil {
		s.log.Warn("dedup mark failed", logx.JobKey(next.Key), logx.Err(err))
		first = true
	}
	if first {
		typ := EventSucceeded
		if next.State == jobs.StateFailedPermanent {
			typ = EventFailed
		}
		s.publish(typ, next)
	}
	return next, true, nil
}

func (s *Sink) publish(typ string, j *jobs.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: eventFor(j)})
}
