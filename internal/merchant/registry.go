package merchant

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"payrelay/internal/jobs"
	logx "payrelay/pkg/logx"
)

// Registry holds the merchant table. Reads are lock-shared; admin writes and
// config reloads take the write lock and then notify subscribers outside it.
type Registry struct {
	log logx.Logger

	mu        sync.RWMutex
	merchants map[string]Merchant
	// held records admin suspend/resume overrides. They survive config
	// reloads until the operator flips them again.
	held map[string]bool
	// gone holds merchants that left the configuration. They stay
	// suspended whatever the overrides say.
	gone map[string]bool

	subsMu sync.Mutex
	subs   []func(Merchant, bool)
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:       log.Named("merchants"),
		merchants: map[string]Merchant{},
		held:      map[string]bool{},
		gone:      map[string]bool{},
	}
}

// OnChange registers fn to run after a merchant is added, changed or
// removed. removed is true when the merchant left the configuration.
func (r *Registry) OnChange(fn func(m Merchant, removed bool)) {
	if fn == nil {
		return
	}
	r.subsMu.Lock()
	r.subs = append(r.subs, fn)
	r.subsMu.Unlock()
}

func (r *Registry) notify(m Merchant, removed bool) {
	r.subsMu.Lock()
	subs := append([]func(Merchant, bool){}, r.subs...)
	r.subsMu.Unlock()
	for _, fn := range subs {
		fn(m.clone(), removed)
	}
}

// Apply replaces the merchant table with ms. Merchants that disappear from
// the configuration are kept as suspended so their queued jobs stay put
// instead of failing.
func (r *Registry) Apply(ms []Merchant) error {
	next := make(map[string]Merchant, len(ms))
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := next[m.ID]; dup {
			return fmt.Errorf("duplicate merchant id %q", m.ID)
		}
		next[m.ID] = m.clone()
	}

	r.mu.Lock()
	var removed []Merchant
	for id, old := range r.merchants {
		if _, ok := next[id]; ok {
			delete(r.gone, id)
			continue
		}
		old.Suspended = true
		next[id] = old
		if !r.gone[id] {
			r.gone[id] = true
			removed = append(removed, old)
		}
	}
	r.merchants = next
	changed := make([]Merchant, 0, len(ms))
	for _, m := range ms {
		changed = append(changed, r.effectiveLocked(m.ID))
	}
	r.mu.Unlock()

	for _, m := range changed {
		r.notify(m, false)
	}
	for _, m := range removed {
		r.log.Warn("merchant removed from config; holding as suspended", logx.Merchant(m.ID))
		r.notify(m, true)
	}
	r.log.Info("merchants applied", logx.Int("count", len(ms)), logx.Int("held_removed", len(removed)))
	return nil
}

func (r *Registry) effectiveLocked(id string) Merchant {
	m := r.merchants[id]
	if r.gone[id] {
		m.Suspended = true
		return m
	}
	if h, ok := r.held[id]; ok {
		m.Suspended = h
	}
	return m
}

func (r *Registry) Get(id string) (Merchant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.merchants[id]; !ok {
		return Merchant{}, fmt.Errorf("merchant %q: %w", id, jobs.ErrNotFound)
	}
	return r.effectiveLocked(id).clone(), nil
}

// List returns every known merchant ordered by id.
func (r *Registry) List() []Merchant {
	r.mu.RLock()
	out := make([]Merchant, 0, len(r.merchants))
	for id := range r.merchants {
		out = append(out, r.effectiveLocked(id).clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// IsSuspended reports whether dispatch is blocked for id. Unknown
// merchants are treated as suspended.
func (r *Registry) IsSuspended(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.merchants[id]; !ok {
		return true
	}
	return r.effectiveLocked(id).Suspended
}

func (r *Registry) Suspend(id string) (Merchant, error) { return r.setHeld(id, true) }
func (r *Registry) Resume(id string) (Merchant, error)  { return r.setHeld(id, false) }

func (r *Registry) setHeld(id string, suspended bool) (Merchant, error) {
	r.mu.Lock()
	if _, ok := r.merchants[id]; !ok {
		r.mu.Unlock()
		return Merchant{}, fmt.Errorf("merchant %q: %w", id, jobs.ErrNotFound)
	}
	if r.gone[id] {
		r.mu.Unlock()
		return Merchant{}, fmt.Errorf("merchant %q was removed from config: %w", id, jobs.ErrInvalidState)
	}
	r.held[id] = suspended
	m := r.effectiveLocked(id)
	r.mu.Unlock()

	r.log.Info("merchant suspension changed", logx.Merchant(id), logx.Bool("suspended", suspended))
	r.notify(m, false)
	return m.clone(), nil
}

// SetCeiling changes the rate ceiling of id. The limiter picks it up via
// OnChange; already admitted calls are not affected.
func (r *Registry) SetCeiling(id string, ceiling int, window time.Duration) (Merchant, error) {
	r.mu.Lock()
	m, ok := r.merchants[id]
	if !ok {
		r.mu.Unlock()
		return Merchant{}, fmt.Errorf("merchant %q: %w", id, jobs.ErrNotFound)
	}
	if r.gone[id] {
		r.mu.Unlock()
		return Merchant{}, fmt.Errorf("merchant %q was removed from config: %w", id, jobs.ErrInvalidState)
	}
	m.Ceiling = ceiling
	if window > 0 {
		m.Window = window
	}
	if err := m.Validate(); err != nil {
		r.mu.Unlock()
		return Merchant{}, err
	}
	r.merchants[id] = m
	eff := r.effectiveLocked(id)
	r.mu.Unlock()

	r.notify(eff, false)
	return eff.clone(), nil
}
