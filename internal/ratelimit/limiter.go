// Package ratelimit gates outbound calls per merchant.
//
// A gate admits a call only when all of these hold:
//   - the merchant's circuit breaker is closed
//   - fewer than MaxConcurrent calls are in flight (when bounded)
//   - fewer than Ceiling calls were admitted in the trailing Window
//   - the token bucket (Ceiling/Window refill, small burst) has a token
//
// The trailing-window log is authoritative for the ceiling; the bucket
// spreads admissions out so a full ceiling is not spent in one instant.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	logx "payrelay/pkg/logx"
)

// Config holds limiter-wide defaults. Zero values pick the defaults noted.
type Config struct {
	DefaultBurst int // 1

	// Breaker opens after BreakerTrip consecutive transient failures (5;
	// negative disables) for BreakerBase doubling up to BreakerMax
	// (5s, 2m). A failure streak older than BreakerResetAfter (5m) is
	// forgotten.
	BreakerTrip       int
	BreakerBase       time.Duration
	BreakerMax        time.Duration
	BreakerResetAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultBurst <= 0 {
		c.DefaultBurst = 1
	}
	if c.BreakerTrip == 0 {
		c.BreakerTrip = 5
	}
	if c.BreakerBase <= 0 {
		c.BreakerBase = 5 * time.Second
	}
	if c.BreakerMax <= 0 {
		c.BreakerMax = 2 * time.Minute
	}
	if c.BreakerResetAfter <= 0 {
		c.BreakerResetAfter = 5 * time.Minute
	}
	return c
}

type Option func(*Limiter)

// WithClock replaces time.Now. Tests use it to drive refill deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log logx.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

type Limiter struct {
	now func() time.Time
	log logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu    sync.RWMutex
	gates map[string]*gate
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{now: time.Now, cfg: cfg.withDefaults(), gates: map[string]*gate{}}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.log = l.log.Named("ratelimit")
	return l
}

// SetConfig swaps the limiter-wide settings (hot reload). Existing gates
// keep their bucket state.
func (l *Limiter) SetConfig(cfg Config) {
	l.cfgMu.Lock()
	l.cfg = cfg.withDefaults()
	l.cfgMu.Unlock()
}

func (l *Limiter) config() Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

// Configure creates or resizes the gate for m. A new ceiling applies from
// now on: past admissions still count against the trailing window and no
// tokens are granted retroactively.
func (l *Limiter) Configure(m merchant.Merchant) {
	if m.ID == "" || m.Ceiling <= 0 || m.Window <= 0 {
		return
	}
	cfg := l.config()
	burst := cfg.DefaultBurst
	if m.Burst > 0 {
		burst = m.Burst
	}
	burst = min(burst, m.Ceiling)
	limit := rate.Limit(float64(m.Ceiling) / m.Window.Seconds())

	l.mu.Lock()
	g, ok := l.gates[m.ID]
	if !ok {
		g = &gate{
			lim:           rate.NewLimiter(limit, burst),
			ceiling:       m.Ceiling,
			window:        m.Window,
			maxConcurrent: m.MaxConcurrent,
			ring:          make([]time.Time, m.Ceiling),
		}
		l.gates[m.ID] = g
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clamp(l.now())
	g.lim.SetLimitAt(now, limit)
	g.lim.SetBurstAt(now, burst)
	g.ceiling = m.Ceiling
	g.window = m.Window
	g.maxConcurrent = m.MaxConcurrent
	g.resizeRing(m.Ceiling)
}

// Remove drops the gate for id; later admissions for id are refused.
func (l *Limiter) Remove(id string) {
	l.mu.Lock()
	delete(l.gates, id)
	l.mu.Unlock()
}

func (l *Limiter) gate(id string) *gate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gates[id]
}

// TryAdmit reports whether one call for merchant id may start now. It never
// blocks. Every true result must be paired with Release.
func (l *Limiter) TryAdmit(id string) bool {
	_, ok := l.admit(id)
	return ok
}

// admit returns the admission time used by the gate.
func (l *Limiter) admit(id string) (time.Time, bool) {
	g := l.gate(id)
	if g == nil {
		return time.Time{}, false
	}
	cfg := l.config()

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clamp(l.now())

	if g.breakerOpen(now, cfg) {
		g.rejected[rejectBreaker]++
		return now, false
	}
	if g.maxConcurrent > 0 && g.active >= g.maxConcurrent {
		g.rejected[rejectConcurrency]++
		return now, false
	}
	if g.count == len(g.ring) && now.Sub(g.ring[g.start]) < g.window {
		g.rejected[rejectWindow]++
		return now, false
	}
	if !g.lim.AllowN(now, 1) {
		g.rejected[rejectBucket]++
		return now, false
	}
	g.push(now)
	g.active++
	g.admitted++
	return now, true
}

// Release frees the concurrency slot taken by a successful TryAdmit.
func (l *Limiter) Release(id string) {
	g := l.gate(id)
	if g == nil {
		return
	}
	g.mu.Lock()
	if g.active > 0 {
		g.active--
	}
	g.mu.Unlock()
}

// RecordResult feeds the merchant's breaker. Only transient failures count
// toward tripping; permanent failures say nothing about provider health.
func (l *Limiter) RecordResult(id string, outcome jobs.Outcome) {
	g := l.gate(id)
	if g == nil {
		return
	}
	cfg := l.config()
	if cfg.BreakerTrip < 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clamp(l.now())
	switch outcome {
	case jobs.OutcomeSuccess:
		g.fails = 0
		g.openUntil = time.Time{}
		g.lastFailure = time.Time{}
	case jobs.OutcomeTransient:
		if !g.lastFailure.IsZero() && now.Sub(g.lastFailure) > cfg.BreakerResetAfter {
			g.fails = 0
		}
		g.fails++
		g.lastFailure = now
		if g.fails < cfg.BreakerTrip {
			return
		}
		d := cfg.BreakerBase
		for i := 0; i < g.fails-cfg.BreakerTrip && d < cfg.BreakerMax; i++ {
			d *= 2
		}
		d = min(d, cfg.BreakerMax)
		g.openUntil = now.Add(d)
		l.log.Warn("merchant breaker open",
			logx.Merchant(id),
			logx.Int("fails", g.fails),
			logx.Duration("cooldown", d),
		)
	}
}

// GateStats is a point-in-time view of one gate.
type GateStats struct {
	MerchantID    string           `json:"merchant_id"`
	Ceiling       int              `json:"ceiling"`
	Window        string           `json:"window"`
	MaxConcurrent int              `json:"max_concurrent,omitempty"`
	Active        int              `json:"active"`
	InWindow      int              `json:"in_window"`
	Admitted      uint64           `json:"admitted"`
	Rejected      map[string]int64 `json:"rejected,omitempty"`
	BreakerOpen   bool             `json:"breaker_open"`
	OpenUntil     time.Time        `json:"open_until,omitempty"`
}

func (l *Limiter) Snapshot() []GateStats {
	l.mu.RLock()
	ids := make([]string, 0, len(l.gates))
	gates := make([]*gate, 0, len(l.gates))
	for id, g := range l.gates {
		ids = append(ids, id)
		gates = append(gates, g)
	}
	l.mu.RUnlock()

	now := l.now()
	out := make([]GateStats, 0, len(gates))
	for i, g := range gates {
		g.mu.Lock()
		st := GateStats{
			MerchantID:    ids[i],
			Ceiling:       g.ceiling,
			Window:        g.window.String(),
			MaxConcurrent: g.maxConcurrent,
			Active:        g.active,
			InWindow:      g.inWindow(now),
			Admitted:      g.admitted,
			BreakerOpen:   !g.openUntil.IsZero() && now.Before(g.openUntil),
		}
		if st.BreakerOpen {
			st.OpenUntil = g.openUntil
		}
		for r, n := range g.rejected {
			if n == 0 {
				continue
			}
			if st.Rejected == nil {
				st.Rejected = map[string]int64{}
			}
			st.Rejected[rejectNames[r]] = n
		}
		g.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].MerchantID < out[k].MerchantID })
	return out
}
