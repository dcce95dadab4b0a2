// Package eventbus fans lifecycle events (job outcomes, dropped tasks) out
// to in-process listeners.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight in-memory signal. Type is a dotted topic such as
// "job.succeeded"; Data carries the publisher's payload struct.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Topic reports the part of Type before the first dot.
func (e Event) Topic() string {
	if i := strings.IndexByte(e.Type, '.'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// Bus never blocks a publisher. A subscriber whose buffer is full loses
// the event.
type Bus interface {
	Publish(e Event)
	// Subscribe returns events whose topic is one of topics, or every event
	// when topics is empty.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
}

// Dropper is implemented by buses that count events lost to slow subscribers.
type Dropper interface {
	Dropped() uint64
}

type subscriber struct {
	ch     chan Event
	topics map[string]struct{}
}

func (s *subscriber) wants(e Event) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[e.Topic()]
	return ok
}

// MemBus is the in-process Bus. It owns no goroutines.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	now     func() time.Time
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]*subscriber{}, now: time.Now}
}

// Publish delivers e to every interested subscriber. Delivery happens under
// the read lock so an unsubscribe never races a send on a closed channel.
func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[strings.TrimSuffix(t, ".")] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
