package ratelimit

import (
	"sort"
	"sync"
	"testing"
	"time"

	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func m(id string, ceiling int, window time.Duration, burst int) merchant.Merchant {
	return merchant.Merchant{ID: id, Ceiling: ceiling, Window: window, Burst: burst}
}

func TestUnknownMerchantRefused(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	if l.TryAdmit("ghost") {
		t.Fatal("unknown merchant admitted")
	}
}

func TestCeilingPerWindow(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))
	l.Configure(m("m1", 3, time.Second, 3))

	for i := 0; i < 3; i++ {
		if !l.TryAdmit("m1") {
			t.Fatalf("admission %d refused", i)
		}
		l.Release("m1")
	}
	if l.TryAdmit("m1") {
		t.Fatal("fourth admission inside the window")
	}
	clk.Advance(999 * time.Millisecond)
	if l.TryAdmit("m1") {
		t.Fatal("admitted before the window rolled")
	}
	clk.Advance(time.Millisecond)
	if !l.TryAdmit("m1") {
		t.Fatal("refused after the window rolled")
	}
}

func TestDefaultBurstSpreadsAdmissions(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))
	l.Configure(m("m1", 10, time.Second, 0))

	if !l.TryAdmit("m1") {
		t.Fatal("first admission refused")
	}
	if l.TryAdmit("m1") {
		t.Fatal("burst of 1 should refuse an immediate second call")
	}
	clk.Advance(150 * time.Millisecond)
	if !l.TryAdmit("m1") {
		t.Fatal("refill after more than 1/ceiling of the window should admit")
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))
	mm := m("m1", 100, time.Second, 100)
	mm.MaxConcurrent = 2
	l.Configure(mm)

	if !l.TryAdmit("m1") || !l.TryAdmit("m1") {
		t.Fatal("first two admissions refused")
	}
	if l.TryAdmit("m1") {
		t.Fatal("third concurrent call admitted")
	}
	l.Release("m1")
	if !l.TryAdmit("m1") {
		t.Fatal("slot not freed by Release")
	}
}

// Under many contending workers no rolling window may see more than the
// ceiling.
func TestRollingWindowUnderContention(t *testing.T) {
	t.Parallel()
	const (
		ceiling = 5
		window  = time.Second
		workers = 12
		rounds  = 300
	)
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))
	l.Configure(m("m1", ceiling, window, ceiling))

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				clk.Advance(time.Duration(1+(w+i)%7) * time.Millisecond)
				at, ok := l.admit("m1")
				if !ok {
					continue
				}
				mu.Lock()
				times = append(times, at)
				mu.Unlock()
				l.Release("m1")
			}
		}(w)
	}
	wg.Wait()

	if len(times) <= ceiling {
		t.Fatalf("only %d admissions; test did not exercise the window", len(times))
	}
	sort.Slice(times, func(i, k int) bool { return times[i].Before(times[k]) })
	for i := 0; i+ceiling < len(times); i++ {
		if d := times[i+ceiling].Sub(times[i]); d < window {
			t.Fatalf("admissions %d..%d span %v < %v", i, i+ceiling, d, window)
		}
	}
}

func TestLowerCeilingKeepsRecentAdmissions(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))
	l.Configure(m("m1", 4, time.Second, 4))
	for i := 0; i < 4; i++ {
		l.TryAdmit("m1")
		l.Release("m1")
	}

	l.Configure(m("m1", 2, time.Second, 2))
	clk.Advance(500 * time.Millisecond)
	if l.TryAdmit("m1") {
		t.Fatal("lowered ceiling must still count earlier admissions")
	}
	clk.Advance(500 * time.Millisecond)
	if !l.TryAdmit("m1") {
		t.Fatal("refused after window under new ceiling")
	}
}

func TestRaisedCeilingGrantsNoPastTokens(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))
	l.Configure(m("m1", 2, time.Second, 2))
	l.TryAdmit("m1")
	l.TryAdmit("m1")
	l.Release("m1")
	l.Release("m1")

	l.Configure(m("m1", 4, time.Second, 4))
	if l.TryAdmit("m1") {
		t.Fatal("raised ceiling granted tokens retroactively")
	}
	clk.Advance(250 * time.Millisecond)
	if !l.TryAdmit("m1") {
		t.Fatal("refill at the new rate should admit")
	}
}

func TestBreakerTripsOnTransientOnly(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := New(Config{BreakerTrip: 3, BreakerBase: 10 * time.Second}, WithClock(clk.Now))
	l.Configure(m("m1", 1000, time.Second, 1000))

	for i := 0; i < 5; i++ {
		l.RecordResult("m1", jobs.OutcomePermanent)
	}
	if !l.TryAdmit("m1") {
		t.Fatal("permanent failures must not trip the breaker")
	}
	l.Release("m1")

	for i := 0; i < 3; i++ {
		l.RecordResult("m1", jobs.OutcomeTransient)
	}
	if l.TryAdmit("m1") {
		t.Fatal("breaker should be open")
	}
	snap := l.Snapshot()
	if len(snap) != 1 || !snap[0].BreakerOpen || snap[0].Rejected["breaker"] != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	clk.Advance(10 * time.Second)
	if !l.TryAdmit("m1") {
		t.Fatal("breaker should close after cooldown")
	}
	l.Release("m1")

	// Next failure while the streak is still live doubles the cooldown.
	l.RecordResult("m1", jobs.OutcomeTransient)
	clk.Advance(15 * time.Second)
	if l.TryAdmit("m1") {
		t.Fatal("second trip should use a doubled cooldown")
	}
	clk.Advance(5 * time.Second)
	l.RecordResult("m1", jobs.OutcomeSuccess)
	if !l.TryAdmit("m1") {
		t.Fatal("success should close the breaker")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	l.Configure(m("m1", 1, time.Second, 1))
	l.Remove("m1")
	if l.TryAdmit("m1") {
		t.Fatal("removed merchant admitted")
	}
}
