package scheduler

import (
	"context"
	"errors"

	"payrelay/internal/jobs"
	"payrelay/internal/worker"
	logx "payrelay/pkg/logx"
)

// Tick runs one scheduling pass.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var rep TickReport
	defer func() {
		s.ticks.Add(1)
		s.lastMu.Lock()
		s.lastTick, s.lastRep = s.now(), rep
		s.lastMu.Unlock()
	}()

	free := s.deps.Pool.Free()
	if free <= 0 {
		return rep, nil
	}
	cfg := s.config()
	now := s.now()

	// A merchant that refused one job refuses the rest of this tick, which
	// also keeps its jobs in due order.
	blocked := map[string]bool{}
	for job, err := range s.deps.Jobs.FetchDue(ctx, now, cfg.ScanLimit) {
		if err != nil {
			return rep, err
		}
		if rep.Claimed >= free {
			break
		}
		rep.Scanned++
		mid := job.MerchantID
		if blocked[mid] {
			continue
		}

		_, merr := s.deps.Merchants.Get(mid)
		known := merr == nil
		switch {
		case known && s.deps.Merchants.IsSuspended(mid):
			// Park the job until the recheck delay so it stops occupying the scan.
			if s.park(ctx, job) {
				rep.Suspended++
			}
			continue
		case !known:
			// No gate exists; the dispatcher fails the job as unknown_merchant.
		case !s.deps.Admission.TryAdmit(mid):
			blocked[mid] = true
			rep.RateLimited++
			continue
		}

		ok, err := s.deps.Jobs.MarkInFlight(ctx, job.ID, now)
		if err != nil || !ok {
			if known {
				s.deps.Admission.Release(mid)
			}
			if err != nil {
				if ctx.Err() != nil {
					return rep, ctx.Err()
				}
				s.log.Warn("claim failed", logx.JobKey(job.Key), logx.Err(err))
				continue
			}
			// Another scheduler won; the rate token stays spent.
			rep.LostClaims++
			s.log.Debug("claim lost", logx.JobKey(job.Key))
			continue
		}
		job.State = jobs.StateInFlight
		job.UpdatedAt = now

		if err := s.deps.Pool.Submit(s.task(job, known)); err != nil {
			rep.Rejected++
			if known {
				s.deps.Admission.Release(mid)
			}
			s.abort(job, err)
			if errors.Is(err, worker.ErrStopped) {
				return rep, nil
			}
			continue
		}
		rep.Claimed++
	}

	if rep.Claimed > 0 || rep.RateLimited > 0 {
		s.log.Debug("tick",
			logx.Int("scanned", rep.Scanned),
			logx.Int("claimed", rep.Claimed),
			logx.Int("rate_limited", rep.RateLimited),
			logx.Int("suspended", rep.Suspended),
		)
	}
	return rep, nil
}

func (s *Service) task(job *jobs.Job, gated bool) worker.Task {
	return worker.Task{
		ID:   job.ID,
		Name: job.Key,
		Run: func(ctx context.Context) error {
			defer s.Notify()
			if gated {
				defer s.deps.Admission.Release(job.MerchantID)
			}
			_, err := s.deps.Executor.Dispatch(ctx, job)
			return err
		},
		Drop: func(reason error) {
			if gated {
				s.deps.Admission.Release(job.MerchantID)
			}
			s.abort(job, reason)
		},
	}
}

func (s *Service) park(ctx context.Context, job *jobs.Job) bool {
	ok, err := s.deps.Jobs.MarkInFlight(ctx, job.ID, s.now())
	if err != nil || !ok {
		return false
	}
	job.State = jobs.StateInFlight
	if _, err := s.deps.Executor.Park(ctx, job); err != nil {
		s.log.Warn("park suspended job", logx.JobKey(job.Key), logx.Err(err))
		return false
	}
	return true
}

func (s *Service) abort(job *jobs.Job, cause error) {
	if _, err := s.deps.Executor.Abort(context.Background(), job, cause); err != nil {
		s.log.Error("abort claimed job", logx.JobKey(job.Key), logx.Err(err))
	}
}
