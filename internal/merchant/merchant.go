package merchant

import (
	"fmt"
	"strings"
	"time"

	"payrelay/internal/jobs"
)

// Merchant is a tenant on whose behalf jobs are dispatched.
type Merchant struct {
	ID             string        `json:"id"`
	CredentialsRef string        `json:"credentials_ref,omitempty"`
	Ceiling        int           `json:"rate_ceiling"`
	Window         time.Duration `json:"rate_window"`
	Burst          int           `json:"rate_burst,omitempty"`
	MaxConcurrent  int           `json:"max_concurrent,omitempty"`
	Capabilities   []jobs.Kind   `json:"capabilities"`
	Suspended      bool          `json:"suspended"`
}

// Can reports whether kind is in the merchant's capability set.
func (m Merchant) Can(kind jobs.Kind) bool {
	for _, k := range m.Capabilities {
		if k == kind {
			return true
		}
	}
	return false
}

func (m Merchant) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("merchant id is required")
	}
	if m.Ceiling <= 0 {
		return fmt.Errorf("merchant %s: rate_ceiling must be > 0", m.ID)
	}
	if m.Window <= 0 {
		return fmt.Errorf("merchant %s: rate_window must be > 0", m.ID)
	}
	if m.Burst < 0 || m.MaxConcurrent < 0 {
		return fmt.Errorf("merchant %s: rate_burst and max_concurrent must be >= 0", m.ID)
	}
	for _, k := range m.Capabilities {
		if !k.Valid() {
			return fmt.Errorf("merchant %s: unknown capability %q", m.ID, k)
		}
	}
	return nil
}

func (m Merchant) clone() Merchant {
	m.Capabilities = append([]jobs.Kind(nil), m.Capabilities...)
	return m
}
