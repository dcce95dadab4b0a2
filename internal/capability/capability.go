// Package capability binds each operation kind to the outbound call that
// performs it, and classifies the errors those calls return.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"payrelay/internal/jobs"
)

var (
	ErrUnknownKind = errors.New("capability: unknown operation kind")
	ErrDisabled    = errors.New("capability: disabled")
)

// Credentials is the resolved secret material for one merchant.
type Credentials struct {
	MerchantID string
	Ref        string
	Secret     string
}

// Request is one outbound attempt.
type Request struct {
	JobID          string
	Kind           jobs.Kind
	MerchantID     string
	IdempotencyKey string
	Attempt        int
	Payload        []byte
	Credentials    Credentials
}

// Capability performs one kind of outbound call. A nil error is success;
// errors are classified with Classify.
type Capability interface {
	Execute(ctx context.Context, req Request) error
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, req Request) error

func (f Func) Execute(ctx context.Context, req Request) error { return f(ctx, req) }

// Registry is the closed kind -> capability table, filled at startup.
type Registry struct {
	mu sync.RWMutex
	m  map[jobs.Kind]Capability
}

func NewRegistry() *Registry {
	return &Registry{m: map[jobs.Kind]Capability{}}
}

func (r *Registry) Register(kind jobs.Kind, c Capability) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if c == nil {
		return fmt.Errorf("capability for %s is nil", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[kind]; dup {
		return fmt.Errorf("capability for %s already registered", kind)
	}
	r.m[kind] = c
	return nil
}

// Lookup returns the capability bound to kind. A known kind with nothing
// bound reports ErrDisabled.
func (r *Registry) Lookup(kind jobs.Kind) (Capability, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	r.mu.RLock()
	c, ok := r.m[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, kind)
	}
	return c, nil
}

// Kinds lists the bound kinds.
func (r *Registry) Kinds() []jobs.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]jobs.Kind, 0, len(r.m))
	for _, k := range jobs.Kinds {
		if _, ok := r.m[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
