package dispatch

import (
	"math/rand"
	"time"
)

// Policy is the retry and timing policy applied to every attempt.
type Policy struct {
	Base             time.Duration // first retry delay; default 1s
	MaxDelay         time.Duration // cap on any retry delay; default 5m
	MaxAttempts      int           // counted attempts per budget; default 5
	AttemptTimeout   time.Duration // per capability call; default 30s
	SuspendedRecheck time.Duration // requeue delay for suspended merchants; default 30s
}

func (p Policy) WithDefaults() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 30 * time.Second
	}
	if p.SuspendedRecheck <= 0 {
		p.SuspendedRecheck = 30 * time.Second
	}
	return p
}

// Backoff returns the delay before the retry that follows attempt number
// attempts: base*2^attempts plus or minus up to base of jitter, never below
// base and never above MaxDelay. rng may be nil for no jitter.
func Backoff(p Policy, attempts int, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	if attempts < 0 {
		attempts = 0
	}
	d := p.Base
	for i := 0; i < attempts && d < p.MaxDelay; i++ {
		d *= 2
	}
	if rng != nil {
		j := time.Duration(rng.Int63n(int64(p.Base) + 1))
		if rng.Intn(2) == 0 {
			d -= j
		} else {
			d += j
		}
	}
	return min(max(d, p.Base), p.MaxDelay)
}

// retryDelay honours a capability's hint, clamped to [Base, MaxDelay], and
// falls back to Backoff.
func retryDelay(p Policy, attempts int, hint time.Duration, rng *rand.Rand) time.Duration {
	if hint > 0 {
		p = p.WithDefaults()
		return min(max(hint, p.Base), p.MaxDelay)
	}
	return Backoff(p, attempts, rng)
}
