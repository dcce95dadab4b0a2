package eventbus

import "testing"

func TestPublishFansOutAndDrops(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "job.succeeded"})
	b.Publish(Event{Type: "job.failed"})

	if e := <-a; e.Type != "job.succeeded" || e.Time.IsZero() {
		t.Fatalf("first event = %+v", e)
	}
	if len(c) != 2 {
		t.Fatalf("buffered events = %d, want 2", len(c))
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: "job.succeeded"})
	if _, ok := <-a; ok {
		t.Fatal("unsubscribed channel should be closed and drained")
	}
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	t.Parallel()
	b := New()
	jobsCh, unsub := b.Subscribe(8, "job.")
	defer unsub()

	b.Publish(Event{Type: "task.dropped"})
	b.Publish(Event{Type: "job.retry_scheduled"})
	b.Publish(Event{Type: "jobless"})

	if len(jobsCh) != 1 {
		t.Fatalf("job events = %d, want 1", len(jobsCh))
	}
	if e := <-jobsCh; e.Topic() != "job" {
		t.Fatalf("topic = %q", e.Topic())
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events must not count as dropped")
	}
}

func TestTopic(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"job.succeeded": "job",
		"task.dropped":  "task",
		"startup":       "startup",
		"":              "",
	}
	for typ, want := range cases {
		if got := (Event{Type: typ}).Topic(); got != want {
			t.Fatalf("Topic(%q) = %q, want %q", typ, got, want)
		}
	}
}
