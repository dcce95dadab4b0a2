package jobs

import (
	"fmt"
	"time"
)

// Transition describes how an in-flight job leaves the in_flight state.
//
// When Outcome is empty the attempt never reached a capability (merchant
// suspended, shutdown abort) and is not counted.
type Transition struct {
	To      State
	At      time.Time
	Outcome Outcome

	Latency   time.Duration
	ErrorKind string
	ErrorCode string
	Error     string

	NextRetryAt time.Time
	Reason      string
}

// Counted reports whether the transition appends an Attempt.
func (t Transition) Counted() bool { return t.Outcome != "" }

// Apply computes the job after t. It never mutates j.
//
// The returned Attempt is nil when the transition is not counted.
func (t Transition) Apply(j *Job) (*Job, *Attempt, error) {
	if j == nil {
		return nil, nil, ErrNotFound
	}
	if j.State != StateInFlight {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, j.ID, j.State)
	}
	switch t.To {
	case StateSucceeded, StateRetryScheduled, StateFailedPermanent:
	default:
		return nil, nil, fmt.Errorf("%w: in_flight -> %s", ErrInvalidState, t.To)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	out := j.Clone()
	out.State = t.To
	out.UpdatedAt = at

	var att *Attempt
	if t.Counted() {
		out.Attempts++
		att = &Attempt{
			JobID:     j.ID,
			Number:    out.Attempts,
			At:        at,
			Outcome:   t.Outcome,
			Latency:   t.Latency,
			ErrorCode: t.ErrorCode,
			Error:     t.Error,
		}
	}

	switch t.To {
	case StateSucceeded:
		out.LastErrorKind = ""
		out.LastError = ""
		out.NextRetryAt = time.Time{}
		out.Reason = ""
	case StateRetryScheduled:
		out.LastErrorKind = t.ErrorKind
		out.LastError = t.Error
		next := t.NextRetryAt
		if next.Before(at) {
			next = at
		}
		// due_at never moves backwards.
		if next.Before(out.DueAt) {
			next = out.DueAt
		}
		out.NextRetryAt = next
		out.DueAt = next
	case StateFailedPermanent:
		out.LastErrorKind = t.ErrorKind
		out.LastError = t.Error
		out.NextRetryAt = time.Time{}
		out.Reason = t.Reason
		if out.Reason == "" {
			out.Reason = ReasonPermanentFailure
		}
	}
	return out, att, nil
}

// Cancel moves any non-terminal job to failed_permanent with reason cancelled.
// Cancelling an already cancelled job is a no-op.
func Cancel(j *Job, at time.Time) (*Job, bool, error) {
	if j == nil {
		return nil, false, ErrNotFound
	}
	if j.State == StateFailedPermanent && j.Reason == ReasonCancelled {
		return j.Clone(), false, nil
	}
	if j.State.Terminal() {
		return nil, false, fmt.Errorf("%w: %s is %s", ErrInvalidState, j.Key, j.State)
	}
	out := j.Clone()
	out.State = StateFailedPermanent
	out.Reason = ReasonCancelled
	out.NextRetryAt = time.Time{}
	out.UpdatedAt = at
	return out, true, nil
}

// Requeue is the administrative escape hatch: it returns a failed or waiting
// job to pending at dueAt and restarts its retry budget. In-flight and
// succeeded jobs cannot be requeued.
func Requeue(j *Job, dueAt, at time.Time) (*Job, error) {
	if j == nil {
		return nil, ErrNotFound
	}
	switch j.State {
	case StatePending, StateRetryScheduled, StateFailedPermanent:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, j.Key, j.State)
	}
	if dueAt.IsZero() {
		dueAt = at
	}
	out := j.Clone()
	out.State = StatePending
	out.DueAt = dueAt
	out.NextRetryAt = time.Time{}
	out.BudgetBase = out.Attempts
	out.Reason = ""
	out.UpdatedAt = at
	return out, nil
}
