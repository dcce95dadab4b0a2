// Package dispatch runs one attempt of a claimed job and turns its result
// into a state transition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"payrelay/internal/capability"
	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	logx "payrelay/pkg/logx"
)

// Merchants is the read side of the merchant registry.
type Merchants interface {
	Get(id string) (merchant.Merchant, error)
	IsSuspended(id string) bool
}

type Credentials interface {
	Resolve(m merchant.Merchant) (capability.Credentials, error)
}

type Capabilities interface {
	Lookup(kind jobs.Kind) (capability.Capability, error)
}

// Outcomes persists a transition; the result sink implements it.
type Outcomes interface {
	Deliver(ctx context.Context, job *jobs.Job, tr jobs.Transition) (*jobs.Job, bool, error)
}

// HealthRecorder receives per-merchant call outcomes (the limiter's breaker).
type HealthRecorder interface {
	RecordResult(merchantID string, outcome jobs.Outcome)
}

type Deps struct {
	Merchants    Merchants
	Credentials  Credentials
	Capabilities Capabilities
	Outcomes     Outcomes
	Health       HealthRecorder // optional
}

type Dispatcher struct {
	deps Deps
	log  logx.Logger
	now  func() time.Time

	pmu    sync.RWMutex
	policy Policy

	rmu sync.Mutex
	rng *rand.Rand
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithRand fixes the jitter source; tests pass a seeded rand.
func WithRand(r *rand.Rand) Option { return func(d *Dispatcher) { d.rng = r } }

func New(p Policy, deps Deps, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		deps:   deps,
		log:    log.Named("dispatch"),
		now:    time.Now,
		policy: p.WithDefaults(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return d
}

// SetPolicy swaps the retry policy (hot reload). Attempts already running
// keep the policy they started with.
func (d *Dispatcher) SetPolicy(p Policy) {
	d.pmu.Lock()
	d.policy = p.WithDefaults()
	d.pmu.Unlock()
}

func (d *Dispatcher) Policy() Policy {
	d.pmu.RLock()
	defer d.pmu.RUnlock()
	return d.policy
}

func (d *Dispatcher) delay(p Policy, attempts int, hint time.Duration) time.Duration {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	return retryDelay(p, attempts, hint, d.rng)
}

// Dispatch performs one attempt of job, which the caller has already
// claimed (in_flight), and records the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	p := d.Policy()
	log := d.log.With(logx.JobKey(job.Key), logx.Merchant(job.MerchantID), logx.Kind(string(job.Kind)))

	m, err := d.deps.Merchants.Get(job.MerchantID)
	if errors.Is(err, jobs.ErrNotFound) {
		// No capability was reached, so no attempt is counted.
		return d.record(ctx, log, job, jobs.Transition{
			To: jobs.StateFailedPermanent, At: d.now(),
			ErrorKind: jobs.ReasonUnknownMerchant, Error: err.Error(), Reason: jobs.ReasonUnknownMerchant,
		})
	}
	if err != nil {
		log.Warn("merchant lookup failed; releasing claim", logx.Err(err))
		return d.Abort(ctx, job, fmt.Errorf("merchant lookup: %w", err))
	}

	// Suspension wins over everything else and costs no budget.
	if d.deps.Merchants.IsSuspended(job.MerchantID) {
		return d.park(ctx, log, p, job)
	}

	if !m.Can(job.Kind) {
		return d.record(ctx, log, job, d.disabled(job, fmt.Errorf("merchant %s lacks %s", m.ID, job.Kind)))
	}
	c, err := d.deps.Capabilities.Lookup(job.Kind)
	if err != nil {
		return d.record(ctx, log, job, d.disabled(job, err))
	}

	var (
		creds   capability.Credentials
		callErr error
		latency time.Duration
	)
	if d.deps.Credentials != nil {
		creds, callErr = d.deps.Credentials.Resolve(m)
		if callErr != nil {
			callErr = capability.WithCode(callErr, "credentials_unavailable")
		}
	}
	if callErr == nil {
		start := d.now()
		callErr = d.call(ctx, log, c, p.AttemptTimeout, capability.Request{
			JobID:          job.ID,
			Kind:           job.Kind,
			MerchantID:     job.MerchantID,
			IdempotencyKey: job.Key,
			Attempt:        job.Attempts + 1,
			Payload:        job.Payload,
			Credentials:    creds,
		})
		latency = d.now().Sub(start)
	}

	cl := capability.Classify(callErr)
	if d.deps.Health != nil {
		d.deps.Health.RecordResult(job.MerchantID, cl.Outcome)
	}
	now := d.now()
	tr := jobs.Transition{At: now, Outcome: cl.Outcome, Latency: latency, ErrorCode: cl.Code}
	if callErr != nil {
		tr.Error = callErr.Error()
		tr.ErrorKind = string(cl.Outcome)
	}

	switch cl.Outcome {
	case jobs.OutcomeSuccess:
		tr.To = jobs.StateSucceeded
	case jobs.OutcomePermanent:
		tr.To = jobs.StateFailedPermanent
		tr.Reason = jobs.ReasonPermanentFailure
	default:
		used := job.BudgetUsed() + 1
		if used >= p.MaxAttempts {
			tr.To = jobs.StateFailedPermanent
			tr.Reason = jobs.ReasonRetryBudgetExhausted
			break
		}
		next := now.Add(d.delay(p, used, cl.RetryAfter))
		if next.Before(job.NextRetryAt) {
			next = job.NextRetryAt
		}
		tr.To = jobs.StateRetryScheduled
		tr.NextRetryAt = next
	}
	return d.record(ctx, log, job, tr)
}

// Park returns a claimed job of a suspended merchant to retry_scheduled
// until the recheck delay, without counting an attempt.
func (d *Dispatcher) Park(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	return d.park(ctx, d.log.With(logx.JobKey(job.Key), logx.Merchant(job.MerchantID)), d.Policy(), job)
}

func (d *Dispatcher) park(ctx context.Context, log logx.Logger, p Policy, job *jobs.Job) (*jobs.Job, error) {
	now := d.now()
	return d.record(ctx, log, job, jobs.Transition{
		To: jobs.StateRetryScheduled, At: now,
		ErrorKind: jobs.ErrorKindSuspended, Error: jobs.ErrMerchantSuspended.Error(),
		NextRetryAt: now.Add(p.SuspendedRecheck),
	})
}

// Abort returns a claimed job to retry_scheduled without counting an
// attempt, for jobs that could not be started (worker queue full, shutdown).
func (d *Dispatcher) Abort(ctx context.Context, job *jobs.Job, cause error) (*jobs.Job, error) {
	now := d.now()
	msg := "aborted"
	if cause != nil {
		msg = cause.Error()
	}
	return d.record(ctx, d.log.With(logx.JobKey(job.Key)), job, jobs.Transition{
		To: jobs.StateRetryScheduled, At: now, ErrorKind: jobs.ErrorKindAborted, Error: msg, NextRetryAt: now,
	})
}

func (d *Dispatcher) disabled(job *jobs.Job, err error) jobs.Transition {
	return jobs.Transition{
		To: jobs.StateFailedPermanent, At: d.now(), Outcome: jobs.OutcomePermanent,
		ErrorCode: jobs.ReasonCapabilityDisabled, Error: err.Error(), Reason: jobs.ReasonCapabilityDisabled,
	}
}

// call runs the capability under the attempt timeout. A panic is reported
// as a transient error.
func (d *Dispatcher) call(ctx context.Context, log logx.Logger, c capability.Capability, timeout time.Duration, req capability.Request) (err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = capability.WithCode(capability.Transient(fmt.Errorf("panic: %v", r)), "panic")
			log.Error("capability panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	err = c.Execute(cctx, req)
	if err != nil && cctx.Err() != nil && ctx.Err() == nil {
		// The attempt deadline fired; make that visible to Classify.
		if !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}
	return err
}

func (d *Dispatcher) record(ctx context.Context, log logx.Logger, job *jobs.Job, tr jobs.Transition) (*jobs.Job, error) {
	// The outcome must land even if the caller's context is already done.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	got, applied, err := d.deps.Outcomes.Deliver(rctx, job, tr)
	if err != nil {
		log.Error("record outcome failed", logx.String("to", string(tr.To)), logx.Err(err))
		return nil, err
	}
	if !applied {
		return got, nil
	}
	switch got.State {
	case jobs.StateSucceeded:
		log.Info("job succeeded", logx.Int("attempts", got.Attempts), logx.Duration("latency", tr.Latency))
	case jobs.StateFailedPermanent:
		log.Warn("job failed", logx.String("reason", got.Reason), logx.Int("attempts", got.Attempts), logx.String("err", got.LastError))
	default:
		log.Debug("job rescheduled",
			logx.String("error_kind", got.LastErrorKind),
			logx.Int("attempts", got.Attempts),
			logx.Time("next_retry_at", got.NextRetryAt),
		)
	}
	return got, nil
}
