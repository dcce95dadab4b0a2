package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"payrelay/internal/api"
	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	rtsup "payrelay/internal/runtime/supervisor"
	"payrelay/internal/sink"
)

var _ api.Backend = (*App)(nil)

// Enqueue validates j against the merchant table and stores it. A job
// that is already due wakes the scheduler.
func (a *App) Enqueue(ctx context.Context, j *jobs.Job) (*jobs.Job, bool, error) {
	if err := j.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", jobs.ErrInvalidJob, err)
	}
	if _, err := a.merchants.Get(j.MerchantID); err != nil {
		return nil, false, err
	}
	out, created, err := a.store.Enqueue(ctx, j)
	if err != nil {
		return nil, false, err
	}
	if created && !out.DueAt.After(a.now()) {
		a.sched.Notify()
	}
	return out, created, nil
}

func (a *App) GetJob(ctx context.Context, key string) (*jobs.Job, []jobs.Attempt, error) {
	j, err := a.store.GetByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	atts, err := a.store.Attempts(ctx, j.ID)
	if err != nil {
		return nil, nil, err
	}
	return j, atts, nil
}

func (a *App) Cancel(ctx context.Context, key string) (*jobs.Job, error) {
	return a.store.Cancel(ctx, key, a.now())
}

// Requeue returns a job to pending with a fresh retry budget. A zero dueAt
// means now. The key's terminal record is dropped first; otherwise the sink
// would discard the next outcome and leave the job in_flight.
func (a *App) Requeue(ctx context.Context, key string, dueAt time.Time) (*jobs.Job, error) {
	now := a.now()
	if dueAt.IsZero() {
		dueAt = now
	}
	if err := a.dedup.Forget(ctx, key); err != nil {
		return nil, fmt.Errorf("requeue %s: %w", key, err)
	}
	j, err := a.store.Requeue(ctx, key, dueAt, now)
	if err != nil {
		return nil, err
	}
	if !j.DueAt.After(now) {
		a.sched.Notify()
	}
	return j, nil
}

func (a *App) Callback(ctx context.Context, key string, cb sink.Callback) (*jobs.Job, bool, error) {
	return a.sink.DeliverCallback(ctx, key, cb)
}

func (a *App) Merchants() []merchant.Merchant { return a.merchants.List() }

func (a *App) Suspend(id string) (merchant.Merchant, error) { return a.merchants.Suspend(id) }

func (a *App) Resume(id string) (merchant.Merchant, error) {
	m, err := a.merchants.Resume(id)
	if err == nil {
		a.sched.Notify()
	}
	return m, err
}

func (a *App) Status(ctx context.Context) (api.Status, error) {
	now := a.now()
	st := api.Status{
		StartedAt: a.startedAt,
		Uptime:    now.Sub(a.startedAt).Truncate(time.Second).String(),
		Jobs:      map[string]int{},
	}

	ps := a.pool.Snapshot()
	st.Workers = api.WorkerStatus{
		Workers:   ps.Workers,
		InFlight:  ps.InFlight,
		QueueLen:  ps.QueueLen,
		Completed: int64(ps.Completed),
		Failed:    int64(ps.Failed),
	}
	ss := a.sched.Snapshot()
	st.Scheduler = api.SchedulerStatus{Running: ss.Running, LastTick: ss.LastTick, Recurring: len(ss.Schedules)}

	ms := a.merchants.List()
	st.Merchants = len(ms)
	for _, m := range ms {
		if m.Suspended {
			st.Suspended = append(st.Suspended, m.ID)
		}
	}
	sort.Strings(st.Suspended)
	for _, g := range a.limiter.Snapshot() {
		if g.BreakerOpen {
			if st.Breakers == nil {
				st.Breakers = map[string]string{}
			}
			st.Breakers[g.MerchantID] = "open until " + g.OpenUntil.Format(time.RFC3339)
		}
	}

	counts, err := a.store.Counts(ctx)
	if err != nil {
		return st, err
	}
	for state, n := range counts {
		st.Jobs[string(state)] = n
	}
	st.OK = ps.Running && ss.Running
	st.Tasks = append(a.sup.Tasks(), ss.Tasks...)
	for _, t := range st.Tasks {
		if t.State == rtsup.TaskFailed {
			st.OK = false
		}
	}
	return st, nil
}
