package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"payrelay/internal/dedup"
	"payrelay/internal/eventbus"
	"payrelay/internal/jobs"
	"payrelay/internal/storage"
	logx "payrelay/pkg/logx"
)

type fixture struct {
	store storage.Store
	sink  *Sink
	bus   *eventbus.MemBus
	evs   <-chan eventbus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	bus := eventbus.New()
	evs, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)
	return &fixture{
		store: st,
		bus:   bus,
		evs:   evs,
		sink:  New(Config{TerminalTTL: time.Hour}, st, dedup.NewMemory(0), bus, logx.Nop()),
	}
}

func (f *fixture) claimed(t *testing.T, key string) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	j, _, err := f.store.Enqueue(ctx, &jobs.Job{Key: key, MerchantID: "m1", Kind: jobs.KindPaymentCharge, DueAt: time.Now().Add(-time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.store.MarkInFlight(ctx, j.ID, time.Now()); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	return j
}

func drain(ch <-chan eventbus.Event) []string {
	var out []string
	for {
		select {
		case e := <-ch:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestDeliverTerminalPublishesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	j := f.claimed(t, "order-1")

	got, applied, err := f.sink.Deliver(ctx, j, jobs.Transition{To: jobs.StateSucceeded, Outcome: jobs.OutcomeSuccess, At: time.Now()})
	if err != nil || !applied || got.State != jobs.StateSucceeded {
		t.Fatalf("deliver: %+v %v %v", got, applied, err)
	}

	// A duplicate result for the same key is dropped.
	_, applied, err = f.sink.Deliver(ctx, j, jobs.Transition{To: jobs.StateFailedPermanent, Outcome: jobs.OutcomePermanent, At: time.Now()})
	if err != nil || applied {
		t.Fatalf("duplicate: applied=%v err=%v", applied, err)
	}

	evs := drain(f.evs)
	if len(evs) != 1 || evs[0] != EventSucceeded {
		t.Fatalf("events = %v", evs)
	}
	final, _ := f.store.Get(ctx, j.ID)
	if final.State != jobs.StateSucceeded || final.Attempts != 1 {
		t.Fatalf("final = %+v", final)
	}
}

func TestDeliverRetryPublishesRetryEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.claimed(t, "order-2")
	now := time.Now()
	got, applied, err := f.sink.Deliver(context.Background(), j, jobs.Transition{
		To: jobs.StateRetryScheduled, Outcome: jobs.OutcomeTransient, At: now, NextRetryAt: now.Add(time.Second),
	})
	if err != nil || !applied || got.State != jobs.StateRetryScheduled {
		t.Fatalf("deliver: %+v %v %v", got, applied, err)
	}
	if evs := drain(f.evs); len(evs) != 1 || evs[0] != EventRetryScheduled {
		t.Fatalf("events = %v", evs)
	}
}

func TestDeliverAfterCancelIsDiscarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	j := f.claimed(t, "order-3")
	if _, err := f.store.Cancel(ctx, "order-3", time.Now()); err != nil {
		t.Fatal(err)
	}

	got, applied, err := f.sink.Deliver(ctx, j, jobs.Transition{To: jobs.StateSucceeded, Outcome: jobs.OutcomeSuccess, At: time.Now()})
	if err != nil || applied {
		t.Fatalf("deliver after cancel: applied=%v err=%v", applied, err)
	}
	if got.Reason != jobs.ReasonCancelled {
		t.Fatalf("returned job = %+v", got)
	}
	if evs := drain(f.evs); len(evs) != 0 {
		t.Fatalf("events = %v", evs)
	}
}

func TestDeliverCallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Waiting job: claimed and settled by the callback.
	j, _, _ := f.store.Enqueue(ctx, &jobs.Job{Key: "cb-1", MerchantID: "m1", Kind: jobs.KindPaymentCharge, DueAt: time.Now().Add(time.Hour)})
	got, applied, err := f.sink.DeliverCallback(ctx, "cb-1", Callback{Outcome: jobs.OutcomeSuccess})
	if err != nil || !applied || got.State != jobs.StateSucceeded {
		t.Fatalf("callback: %+v %v %v", got, applied, err)
	}
	atts, _ := f.store.Attempts(ctx, j.ID)
	if len(atts) != 1 || atts[0].ErrorCode != "callback" {
		t.Fatalf("attempts = %+v", atts)
	}

	// Duplicate callback is a no-op.
	if _, applied, err := f.sink.DeliverCallback(ctx, "cb-1", Callback{Outcome: jobs.OutcomeSuccess}); err != nil || applied {
		t.Fatalf("duplicate callback: %v %v", applied, err)
	}
	if evs := drain(f.evs); len(evs) != 1 {
		t.Fatalf("events = %v", evs)
	}

	if _, _, err := f.sink.DeliverCallback(ctx, "cb-1", Callback{Outcome: jobs.OutcomeTransient}); !errors.Is(err, ErrBadCallback) {
		t.Fatalf("err = %v", err)
	}
	if _, _, err := f.sink.DeliverCallback(ctx, "missing", Callback{Outcome: jobs.OutcomeSuccess}); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
