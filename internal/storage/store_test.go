package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"payrelay/internal/jobs"
	logx "payrelay/pkg/logx"
)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	out := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
	if dsn := os.Getenv("PAYRELAY_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			return st
		}
	}
	return out
}

// uniq keeps keys distinct across runs against a shared postgres database.
func uniq(t *testing.T, key string) string {
	return t.Name() + "/" + key + "/" + time.Now().Format("150405.000000000")
}

func newJob(key string, due time.Time) *jobs.Job {
	return &jobs.Job{Key: key, MerchantID: "m1", Kind: jobs.KindNotify, Payload: []byte(`{"text":"hi"}`), DueAt: due}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func collect(t *testing.T, st Store, now time.Time, limit int) []*jobs.Job {
	t.Helper()
	var out []*jobs.Job
	for j, err := range st.FetchDue(context.Background(), now, limit) {
		if err != nil {
			t.Fatalf("fetch due: %v", err)
		}
		out = append(out, j)
	}
	return out
}

func TestEnqueueIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		key := uniq(t, "k")
		now := time.Now().Truncate(time.Millisecond)

		first, created, err := st.Enqueue(ctx, newJob(key, now))
		if err != nil || !created {
			t.Fatalf("first enqueue: created=%v err=%v", created, err)
		}
		second, created, err := st.Enqueue(ctx, newJob(key, now.Add(time.Hour)))
		if err != nil || created {
			t.Fatalf("second enqueue: created=%v err=%v", created, err)
		}
		if second.ID != first.ID || !second.DueAt.Equal(first.DueAt) {
			t.Fatalf("duplicate enqueue returned a different job: %+v vs %+v", second, first)
		}
		if first.State != jobs.StatePending {
			t.Fatalf("state = %s", first.State)
		}
	})
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		_, _, err := st.Enqueue(context.Background(), &jobs.Job{Key: uniq(t, "k"), MerchantID: "m1", Kind: "bogus"})
		if err == nil {
			t.Fatal("expected error for unknown kind")
		}
	})
}

func TestFetchDueOrdersByDueThenArrival(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		a, _, _ := st.Enqueue(ctx, newJob(uniq(t, "a"), base.Add(2*time.Second)))
		b, _, _ := st.Enqueue(ctx, newJob(uniq(t, "b"), base))
		c, _, _ := st.Enqueue(ctx, newJob(uniq(t, "c"), base))
		_, _, _ = st.Enqueue(ctx, newJob(uniq(t, "future"), time.Now().Add(time.Hour)))

		got := collect(t, st, time.Now(), 0)
		var ids []string
		for _, j := range got {
			if j.ID == a.ID || j.ID == b.ID || j.ID == c.ID {
				ids = append(ids, j.ID)
			}
		}
		want := []string{b.ID, c.ID, a.ID}
		if len(ids) != len(want) {
			t.Fatalf("got %d due jobs, want %d", len(ids), len(want))
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("order[%d] = %s, want %s", i, ids[i], want[i])
			}
		}
		for _, j := range got {
			if j.DueAt.After(time.Now()) {
				t.Fatalf("future job %s returned", j.Key)
			}
		}
	})
}

func TestFetchDueHonoursLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		past := time.Now().Add(-time.Minute)
		for _, k := range []string{"1", "2", "3"} {
			_, _, _ = st.Enqueue(ctx, newJob(uniq(t, k), past))
		}
		if got := collect(t, st, time.Now(), 2); len(got) != 2 {
			t.Fatalf("limit 2 returned %d", len(got))
		}
	})
}

func TestMarkInFlightSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		j, _, err := st.Enqueue(ctx, newJob(uniq(t, "race"), time.Now().Add(-time.Second)))
		if err != nil {
			t.Fatal(err)
		}

		const n = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.MarkInFlight(ctx, j.ID, time.Now())
				if err != nil {
					t.Errorf("mark in flight: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("winners = %d, want 1", wins)
		}
		got, _ := st.Get(ctx, j.ID)
		if got.State != jobs.StateInFlight {
			t.Fatalf("state = %s", got.State)
		}
	})
}

func TestMarkInFlightUnknownJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		if _, err := st.MarkInFlight(context.Background(), "missing-"+uniq(t, "x"), time.Now()); !errors.Is(err, jobs.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestRecordOutcomeLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Millisecond)
		j, _, _ := st.Enqueue(ctx, newJob(uniq(t, "life"), now.Add(-time.Second)))

		if ok, _ := st.MarkInFlight(ctx, j.ID, now); !ok {
			t.Fatal("claim failed")
		}
		retryAt := now.Add(10 * time.Second)
		got, err := st.RecordOutcome(ctx, j.ID, jobs.Transition{
			To: jobs.StateRetryScheduled, At: now, Outcome: jobs.OutcomeTransient,
			Error: "timeout", ErrorCode: "http_503", NextRetryAt: retryAt,
		})
		if err != nil {
			t.Fatalf("record retry: %v", err)
		}
		if got.State != jobs.StateRetryScheduled || got.Attempts != 1 || !got.DueAt.Equal(retryAt) {
			t.Fatalf("after retry: %+v", got)
		}
		if due := collect(t, st, now.Add(5*time.Second), 0); containsID(due, j.ID) {
			t.Fatal("job must not be due before next retry")
		}

		if ok, _ := st.MarkInFlight(ctx, j.ID, retryAt); !ok {
			t.Fatal("second claim failed")
		}
		got, err = st.RecordOutcome(ctx, j.ID, jobs.Transition{
			To: jobs.StateSucceeded, At: retryAt.Add(time.Second), Outcome: jobs.OutcomeSuccess, Latency: 20 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("record success: %v", err)
		}
		if got.State != jobs.StateSucceeded || got.Attempts != 2 {
			t.Fatalf("after success: %+v", got)
		}

		atts, err := st.Attempts(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(atts) != 2 || atts[0].Number != 1 || atts[1].Number != 2 {
			t.Fatalf("attempts = %+v", atts)
		}
		if atts[0].Outcome != jobs.OutcomeTransient || atts[0].ErrorCode != "http_503" {
			t.Fatalf("first attempt = %+v", atts[0])
		}
		if atts[1].Latency != 20*time.Millisecond {
			t.Fatalf("latency = %v", atts[1].Latency)
		}

		// Terminal jobs reject further outcomes.
		if _, err := st.RecordOutcome(ctx, j.ID, jobs.Transition{To: jobs.StateSucceeded, Outcome: jobs.OutcomeSuccess}); !errors.Is(err, jobs.ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
	})
}

func TestUncountedOutcomeKeepsAttempts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		j, _, _ := st.Enqueue(ctx, newJob(uniq(t, "susp"), now.Add(-time.Second)))
		_, _ = st.MarkInFlight(ctx, j.ID, now)
		got, err := st.RecordOutcome(ctx, j.ID, jobs.Transition{
			To: jobs.StateRetryScheduled, At: now, ErrorKind: jobs.ErrorKindSuspended, NextRetryAt: now.Add(time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
		if got.Attempts != 0 || got.LastErrorKind != jobs.ErrorKindSuspended {
			t.Fatalf("got %+v", got)
		}
		if atts, _ := st.Attempts(ctx, j.ID); len(atts) != 0 {
			t.Fatalf("attempts = %d, want 0", len(atts))
		}
	})
}

func TestCancelInFlightDiscardsOutcome(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		key := uniq(t, "cancel")
		j, _, _ := st.Enqueue(ctx, newJob(key, now.Add(-time.Second)))
		_, _ = st.MarkInFlight(ctx, j.ID, now)

		got, err := st.Cancel(ctx, key, now)
		if err != nil {
			t.Fatal(err)
		}
		if got.State != jobs.StateFailedPermanent || got.Reason != jobs.ReasonCancelled {
			t.Fatalf("after cancel: %+v", got)
		}
		if _, err := st.Cancel(ctx, key, now); err != nil {
			t.Fatalf("second cancel: %v", err)
		}
		if _, err := st.RecordOutcome(ctx, j.ID, jobs.Transition{To: jobs.StateSucceeded, Outcome: jobs.OutcomeSuccess}); !errors.Is(err, jobs.ErrInvalidState) {
			t.Fatalf("late outcome err = %v", err)
		}
		if _, err := st.Cancel(ctx, uniq(t, "missing"), now); !errors.Is(err, jobs.ErrNotFound) {
			t.Fatalf("missing cancel err = %v", err)
		}
	})
}

func TestRequeueResetsBudget(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Millisecond)
		key := uniq(t, "requeue")
		j, _, _ := st.Enqueue(ctx, newJob(key, now.Add(-time.Second)))
		_, _ = st.MarkInFlight(ctx, j.ID, now)
		_, err := st.RecordOutcome(ctx, j.ID, jobs.Transition{
			To: jobs.StateFailedPermanent, At: now, Outcome: jobs.OutcomePermanent, Reason: jobs.ReasonRetryBudgetExhausted,
		})
		if err != nil {
			t.Fatal(err)
		}

		due := now.Add(time.Minute)
		got, err := st.Requeue(ctx, key, due, now)
		if err != nil {
			t.Fatal(err)
		}
		if got.State != jobs.StatePending || got.Attempts != 1 || got.BudgetUsed() != 0 || !got.DueAt.Equal(due) {
			t.Fatalf("after requeue: %+v", got)
		}
		persisted, _ := st.GetByKey(ctx, key)
		if persisted.BudgetBase != 1 || persisted.Reason != "" {
			t.Fatalf("persisted: %+v", persisted)
		}
	})
}

func TestRecoverStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		old, _, _ := st.Enqueue(ctx, newJob(uniq(t, "old"), now.Add(-time.Hour)))
		fresh, _, _ := st.Enqueue(ctx, newJob(uniq(t, "fresh"), now.Add(-time.Hour)))
		_, _ = st.MarkInFlight(ctx, old.ID, now.Add(-10*time.Minute))
		_, _ = st.MarkInFlight(ctx, fresh.ID, now)

		n, err := st.RecoverStale(ctx, now.Add(-5*time.Minute), now)
		if err != nil {
			t.Fatal(err)
		}
		if n < 1 {
			t.Fatalf("recovered = %d", n)
		}
		got, _ := st.Get(ctx, old.ID)
		if got.State != jobs.StateRetryScheduled || got.LastErrorKind != jobs.ErrorKindStale || got.Attempts != 0 {
			t.Fatalf("stale job: %+v", got)
		}
		if got, _ := st.Get(ctx, fresh.ID); got.State != jobs.StateInFlight {
			t.Fatalf("fresh job state = %s", got.State)
		}
	})
}

func TestCounts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		a, _, _ := st.Enqueue(ctx, newJob(uniq(t, "a"), now))
		_, _, _ = st.Enqueue(ctx, newJob(uniq(t, "b"), now))
		_, _ = st.MarkInFlight(ctx, a.ID, now)

		c, err := st.Counts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if c[jobs.StateInFlight] < 1 || c[jobs.StatePending] < 1 {
			t.Fatalf("counts = %v", c)
		}
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func containsID(js []*jobs.Job, id string) bool {
	for _, j := range js {
		if j.ID == id {
			return true
		}
	}
	return false
}
