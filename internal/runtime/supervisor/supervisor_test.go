package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go0("boom", func(context.Context) { panic("kaboom") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor context not cancelled after panic")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected first error after panic")
	}
	if c := s.Counters(); c.Panics != 1 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoContextCanceledIsClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := runs.Load(); n != 3 {
		t.Fatalf("runs = %d, want 3", n)
	}
	if c := s.Counters(); c.Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", c.Restarts)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected error after giving up")
	}
	if n := runs.Load(); n != 3 {
		t.Fatalf("runs = %d, want 3", n)
	}
}

func TestTasksReportLifecycle(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("b.loop", func(ctx context.Context) { <-release })
	s.Go("a.once", func(context.Context) error { return errors.New("bad input") })
	s.GoRestart("c.poll", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		ts := s.Tasks()
		if len(ts) == 3 && ts[0].State == TaskFailed {
			if ts[0].Name != "a.once" || ts[0].LastError != "bad input" {
				t.Fatalf("a.once = %+v", ts[0])
			}
			if ts[1].State != TaskRunning || ts[2].State != TaskRunning || !ts[2].Restart {
				t.Fatalf("tasks = %+v", ts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks never settled: %+v", ts)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c := s.Counters(); c.Active != 2 || c.Started != 3 {
		t.Fatalf("counters = %+v", c)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("Stop should surface the a.once failure")
	}
	for _, ts := range s.Tasks() {
		if ts.State == TaskRunning || ts.State == TaskBackoff {
			t.Fatalf("task still active after Stop: %+v", ts)
		}
	}
}
