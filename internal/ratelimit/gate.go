package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rejectBreaker = iota
	rejectConcurrency
	rejectWindow
	rejectBucket
	numRejects
)

var rejectNames = [numRejects]string{"breaker", "concurrency", "window", "bucket"}

type gate struct {
	mu sync.Mutex

	lim           *rate.Limiter
	ceiling       int
	window        time.Duration
	maxConcurrent int

	// ring holds the last len(ring) admission times; start is the oldest
	// once count == len(ring).
	ring  []time.Time
	start int
	count int

	// last is the newest time the gate has observed. The gate never looks
	// at a time older than this, so admissions are recorded in order even
	// if callers read the clock before contending for mu.
	last time.Time

	active   int
	admitted uint64
	rejected [numRejects]int64

	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func (g *gate) clamp(now time.Time) time.Time {
	if now.Before(g.last) {
		return g.last
	}
	g.last = now
	return now
}

func (g *gate) push(t time.Time) {
	if len(g.ring) == 0 {
		return
	}
	if g.count < len(g.ring) {
		g.ring[(g.start+g.count)%len(g.ring)] = t
		g.count++
		return
	}
	g.ring[g.start] = t
	g.start = (g.start + 1) % len(g.ring)
}

// ordered returns the ring contents oldest first.
func (g *gate) ordered() []time.Time {
	out := make([]time.Time, 0, g.count)
	for i := 0; i < g.count; i++ {
		out = append(out, g.ring[(g.start+i)%len(g.ring)])
	}
	return out
}

// resizeRing keeps the most recent admissions that fit the new ceiling.
func (g *gate) resizeRing(ceiling int) {
	if ceiling == len(g.ring) {
		return
	}
	old := g.ordered()
	if len(old) > ceiling {
		old = old[len(old)-ceiling:]
	}
	g.ring = make([]time.Time, ceiling)
	copy(g.ring, old)
	g.start = 0
	g.count = len(old)
}

func (g *gate) inWindow(now time.Time) int {
	n := 0
	for _, t := range g.ordered() {
		if now.Sub(t) < g.window {
			n++
		}
	}
	return n
}

func (g *gate) breakerOpen(now time.Time, cfg Config) bool {
	if cfg.BreakerTrip < 0 {
		return false
	}
	if !g.lastFailure.IsZero() && now.Sub(g.lastFailure) > cfg.BreakerResetAfter {
		g.fails = 0
		g.openUntil = time.Time{}
	}
	return !g.openUntil.IsZero() && now.Before(g.openUntil)
}
