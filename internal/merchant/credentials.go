package merchant

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"payrelay/internal/capability"
	"payrelay/internal/jobs"
)

// Resolver turns a merchant's credentials reference into secret material.
//
//	env:NAME  -> value of environment variable NAME
//	other     -> key into the configured credentials map
type Resolver struct {
	mu      sync.RWMutex
	secrets map[string]string
	lookup  func(string) (string, bool)
}

func NewResolver(secrets map[string]string) *Resolver {
	r := &Resolver{lookup: os.LookupEnv}
	r.Set(secrets)
	return r
}

// Set swaps the configured credentials map (hot reload).
func (r *Resolver) Set(secrets map[string]string) {
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	r.mu.Lock()
	r.secrets = cp
	r.mu.Unlock()
}

func (r *Resolver) Resolve(m Merchant) (capability.Credentials, error) {
	ref := strings.TrimSpace(m.CredentialsRef)
	creds := capability.Credentials{MerchantID: m.ID, Ref: ref}
	if ref == "" {
		return creds, nil
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		v, found := r.lookup(name)
		if !found {
			return creds, fmt.Errorf("credentials %s for merchant %s: %w", ref, m.ID, jobs.ErrNotFound)
		}
		creds.Secret = v
		return creds, nil
	}
	r.mu.RLock()
	v, found := r.secrets[ref]
	r.mu.RUnlock()
	if !found {
		return creds, fmt.Errorf("credentials %s for merchant %s: %w", ref, m.ID, jobs.ErrNotFound)
	}
	creds.Secret = v
	return creds, nil
}
