package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"payrelay/internal/jobs"
	logx "payrelay/pkg/logx"
)

var ErrBadCallback = errors.New("callback outcome must be success or permanent")

// Callback is a late result pushed by a provider (a webhook confirming a
// charge, for instance).
type Callback struct {
	Outcome jobs.Outcome `json:"outcome"`
	Code    string       `json:"code,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// DeliverCallback settles the job under key from a provider callback. A
// job that is waiting for a retry is claimed first so the usual in_flight
// transition applies. Callbacks for terminal jobs are discarded.
func (s *Sink) DeliverCallback(ctx context.Context, key string, cb Callback) (*jobs.Job, bool, error) {
	var to jobs.State
	switch cb.Outcome {
	case jobs.OutcomeSuccess:
		to = jobs.StateSucceeded
	case jobs.OutcomePermanent:
		to = jobs.StateFailedPermanent
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrBadCallback, cb.Outcome)
	}

	j, err := s.store.GetByKey(ctx, strings.TrimSpace(key))
	if err != nil {
		return nil, false, err
	}
	if j.State.Terminal() {
		s.log.Debug("callback discarded: job terminal", logx.JobKey(key), logx.String("state", string(j.State)))
		return j, false, nil
	}
	now := s.now()
	if j.State.Claimable() {
		won, err := s.store.MarkInFlight(ctx, j.ID, now)
		if err != nil {
			return nil, false, err
		}
		if !won {
			cur, _ := s.store.Get(ctx, j.ID)
			return cur, false, nil
		}
	}

	code := cb.Code
	if code == "" {
		code = "callback"
	}
	return s.Deliver(ctx, j, jobs.Transition{
		To:        to,
		At:        now,
		Outcome:   cb.Outcome,
		ErrorCode: code,
		Error:     cb.Error,
	})
}
