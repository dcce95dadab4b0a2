package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"payrelay/internal/capability"
	"payrelay/internal/dedup"
	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	"payrelay/internal/sink"
	"payrelay/internal/storage"
	logx "payrelay/pkg/logx"
)

// tickClock returns a strictly increasing time on every call.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type harness struct {
	store     storage.Store
	merchants *merchant.Registry
	caps      *capability.Registry
	disp      *Dispatcher
	health    *healthLog
}

type healthLog struct {
	mu       sync.Mutex
	outcomes []jobs.Outcome
}

func (h *healthLog) RecordResult(_ string, o jobs.Outcome) {
	h.mu.Lock()
	h.outcomes = append(h.outcomes, o)
	h.mu.Unlock()
}

func newHarness(t *testing.T, p Policy, notify capability.Capability) *harness {
	t.Helper()
	clk := &tickClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := storage.NewMemory()
	reg := merchant.NewRegistry(logx.Nop())
	if err := reg.Apply([]merchant.Merchant{{
		ID: "M", Ceiling: 1, Window: time.Second, Capabilities: []jobs.Kind{jobs.KindNotify},
	}}); err != nil {
		t.Fatal(err)
	}
	caps := capability.NewRegistry()
	if notify != nil {
		if err := caps.Register(jobs.KindNotify, notify); err != nil {
			t.Fatal(err)
		}
	}
	h := &healthLog{}
	sk := sink.New(sink.Config{}, st, dedup.NewMemory(0), nil, logx.Nop())
	d := New(p, Deps{
		Merchants:    reg,
		Credentials:  merchant.NewResolver(nil),
		Capabilities: caps,
		Outcomes:     sk,
		Health:       h,
	}, logx.Nop(), WithClock(clk.Now), WithRand(rand.New(rand.NewSource(1))))
	return &harness{store: st, merchants: reg, caps: caps, disp: d, health: h}
}

func (h *harness) enqueue(t *testing.T, key string, kind jobs.Kind) *jobs.Job {
	t.Helper()
	j, _, err := h.store.Enqueue(context.Background(), &jobs.Job{Key: key, MerchantID: "M", Kind: kind, DueAt: time.Unix(0, 0)})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

// run claims and dispatches the job until it reaches a terminal state,
// ignoring retry delays.
func (h *harness) run(t *testing.T, j *jobs.Job, maxRounds int) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxRounds; i++ {
		cur, _ := h.store.Get(ctx, j.ID)
		if cur.State.Terminal() {
			return cur
		}
		ok, err := h.store.MarkInFlight(ctx, j.ID, time.Now())
		if err != nil || !ok {
			t.Fatalf("claim round %d: %v %v", i, ok, err)
		}
		cur, _ = h.store.Get(ctx, j.ID)
		if _, err := h.disp.Dispatch(ctx, cur); err != nil {
			t.Fatalf("dispatch round %d: %v", i, err)
		}
	}
	cur, _ := h.store.Get(ctx, j.ID)
	return cur
}

func (h *harness) attempts(t *testing.T, j *jobs.Job) []jobs.Attempt {
	t.Helper()
	atts, err := h.store.Attempts(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	return atts
}

func failNTimes(n int, err error) capability.Capability {
	var (
		mu    sync.Mutex
		calls int
	)
	return capability.Func(func(context.Context, capability.Request) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if n < 0 || calls <= n {
			return err
		}
		return nil
	})
}

func TestScenarioImmediateSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{MaxAttempts: 5}, failNTimes(0, nil))
	j := h.enqueue(t, "J1", jobs.KindNotify)

	got := h.run(t, j, 10)
	if got.State != jobs.StateSucceeded {
		t.Fatalf("state = %s", got.State)
	}
	if atts := h.attempts(t, j); len(atts) != 1 || atts[0].Outcome != jobs.OutcomeSuccess {
		t.Fatalf("attempts = %+v", atts)
	}
}

func TestScenarioTransientThenSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{MaxAttempts: 5}, failNTimes(2, errors.New("upstream 502")))
	j := h.enqueue(t, "J2", jobs.KindNotify)

	got := h.run(t, j, 10)
	if got.State != jobs.StateSucceeded {
		t.Fatalf("state = %s", got.State)
	}
	atts := h.attempts(t, j)
	if len(atts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(atts))
	}
	assertIncreasing(t, atts)
}

func TestScenarioBudgetExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{MaxAttempts: 3}, failNTimes(-1, errors.New("upstream 503")))
	j := h.enqueue(t, "J3", jobs.KindNotify)

	got := h.run(t, j, 10)
	if got.State != jobs.StateFailedPermanent || got.Reason != jobs.ReasonRetryBudgetExhausted {
		t.Fatalf("final = %s/%s", got.State, got.Reason)
	}
	atts := h.attempts(t, j)
	if len(atts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(atts))
	}
	assertIncreasing(t, atts)
}

func TestScenarioSuspendedMidFlight(t *testing.T) {
	t.Parallel()
	var called bool
	h := newHarness(t, Policy{SuspendedRecheck: time.Minute}, capability.Func(func(context.Context, capability.Request) error {
		called = true
		return nil
	}))
	ctx := context.Background()
	j := h.enqueue(t, "J4", jobs.KindNotify)
	if ok, _ := h.store.MarkInFlight(ctx, j.ID, time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if _, err := h.merchants.Suspend("M"); err != nil {
		t.Fatal(err)
	}

	cur, _ := h.store.Get(ctx, j.ID)
	got, err := h.disp.Dispatch(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != jobs.StateRetryScheduled || got.Attempts != 0 || got.LastErrorKind != jobs.ErrorKindSuspended {
		t.Fatalf("after suspend: %+v", got)
	}
	if called {
		t.Fatal("capability called for a suspended merchant")
	}
	if len(h.health.outcomes) != 0 {
		t.Fatal("suspension must not feed the breaker")
	}
}

func TestPermanentFailureStopsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{MaxAttempts: 5}, failNTimes(-1, capability.Permanent(errors.New("card declined"))))
	j := h.enqueue(t, "perm", jobs.KindNotify)
	got := h.run(t, j, 10)
	if got.State != jobs.StateFailedPermanent || got.Reason != jobs.ReasonPermanentFailure || got.Attempts != 1 {
		t.Fatalf("final = %+v", got)
	}
}

func TestCapabilityDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{}, failNTimes(0, nil))

	// The merchant lacks payment.charge.
	j := h.enqueue(t, "charge", jobs.KindPaymentCharge)
	got := h.run(t, j, 2)
	if got.State != jobs.StateFailedPermanent || got.Reason != jobs.ReasonCapabilityDisabled || got.Attempts != 1 {
		t.Fatalf("final = %+v", got)
	}

	// Merchant has notify but nothing is bound to it.
	h2 := newHarness(t, Policy{}, nil)
	j2 := h2.enqueue(t, "notify", jobs.KindNotify)
	if got := h2.run(t, j2, 2); got.Reason != jobs.ReasonCapabilityDisabled {
		t.Fatalf("final = %+v", got)
	}
}

func TestUnknownMerchantFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{}, failNTimes(0, nil))
	ctx := context.Background()
	j, _, _ := h.store.Enqueue(ctx, &jobs.Job{Key: "ghost", MerchantID: "nobody", Kind: jobs.KindNotify})
	_, _ = h.store.MarkInFlight(ctx, j.ID, time.Now())
	cur, _ := h.store.Get(ctx, j.ID)
	got, err := h.disp.Dispatch(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != jobs.StateFailedPermanent || got.Reason != jobs.ReasonUnknownMerchant {
		t.Fatalf("final = %+v", got)
	}
	// No capability was reached.
	if got.Attempts != 0 || len(h.attempts(t, got)) != 0 {
		t.Fatalf("attempts = %d, want none recorded", got.Attempts)
	}
}

type brokenMerchants struct{}

func (brokenMerchants) Get(string) (merchant.Merchant, error) {
	return merchant.Merchant{}, errors.New("registry unavailable")
}
func (brokenMerchants) IsSuspended(string) bool { return false }

func TestMerchantLookupErrorReleasesClaim(t *testing.T) {
	t.Parallel()
	var calls int
	h := newHarness(t, Policy{}, capability.Func(func(context.Context, capability.Request) error {
		calls++
		return nil
	}))
	h.disp.deps.Merchants = brokenMerchants{}
	ctx := context.Background()
	j, _, _ := h.store.Enqueue(ctx, &jobs.Job{Key: "lookup", MerchantID: "M", Kind: jobs.KindNotify})
	_, _ = h.store.MarkInFlight(ctx, j.ID, time.Now())
	cur, _ := h.store.Get(ctx, j.ID)

	got, err := h.disp.Dispatch(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != jobs.StateRetryScheduled || got.LastErrorKind != jobs.ErrorKindAborted || got.Attempts != 0 {
		t.Fatalf("final = %+v", got)
	}
	if calls != 0 {
		t.Fatalf("capability called %d times", calls)
	}
}

func TestPanicIsTransient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{MaxAttempts: 5}, capability.Func(func(context.Context, capability.Request) error {
		panic("nil map")
	}))
	j := h.enqueue(t, "panic", jobs.KindNotify)
	_, _ = h.store.MarkInFlight(context.Background(), j.ID, time.Now())
	cur, _ := h.store.Get(context.Background(), j.ID)
	got, err := h.disp.Dispatch(context.Background(), cur)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != jobs.StateRetryScheduled || got.Attempts != 1 {
		t.Fatalf("after panic: %+v", got)
	}
	if atts := h.attempts(t, j); atts[0].ErrorCode != "panic" {
		t.Fatalf("attempt = %+v", atts[0])
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{MaxAttempts: 5, AttemptTimeout: 20 * time.Millisecond}, capability.Func(func(ctx context.Context, _ capability.Request) error {
		<-ctx.Done()
		return errors.New("gave up")
	}))
	j := h.enqueue(t, "slow", jobs.KindNotify)
	_, _ = h.store.MarkInFlight(context.Background(), j.ID, time.Now())
	cur, _ := h.store.Get(context.Background(), j.ID)
	got, err := h.disp.Dispatch(context.Background(), cur)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != jobs.StateRetryScheduled {
		t.Fatalf("state = %s", got.State)
	}
	if atts := h.attempts(t, j); atts[0].ErrorCode != "timeout" {
		t.Fatalf("attempt = %+v", atts[0])
	}
}

func TestRetryAfterHintHonoured(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{MaxAttempts: 5, MaxDelay: time.Minute}, failNTimes(-1, capability.RetryAfter(errors.New("429"), 40*time.Second)))
	j := h.enqueue(t, "hint", jobs.KindNotify)
	_, _ = h.store.MarkInFlight(context.Background(), j.ID, time.Now())
	cur, _ := h.store.Get(context.Background(), j.ID)
	got, _ := h.disp.Dispatch(context.Background(), cur)
	if d := got.NextRetryAt.Sub(got.UpdatedAt); d != 40*time.Second {
		t.Fatalf("retry delay = %v, want 40s", d)
	}
}

func TestAbortDoesNotCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{}, failNTimes(0, nil))
	j := h.enqueue(t, "abort", jobs.KindNotify)
	_, _ = h.store.MarkInFlight(context.Background(), j.ID, time.Now())
	cur, _ := h.store.Get(context.Background(), j.ID)
	got, err := h.disp.Abort(context.Background(), cur, errors.New("queue full"))
	if err != nil {
		t.Fatal(err)
	}
	if got.State != jobs.StateRetryScheduled || got.Attempts != 0 || got.LastErrorKind != jobs.ErrorKindAborted {
		t.Fatalf("after abort: %+v", got)
	}
}

func assertIncreasing(t *testing.T, atts []jobs.Attempt) {
	t.Helper()
	for i := 1; i < len(atts); i++ {
		if !atts[i].At.After(atts[i-1].At) {
			t.Fatalf("attempt %d at %v not after %v", i+1, atts[i].At, atts[i-1].At)
		}
		if atts[i].Number != atts[i-1].Number+1 {
			t.Fatalf("attempt numbers %d, %d", atts[i-1].Number, atts[i].Number)
		}
	}
}
