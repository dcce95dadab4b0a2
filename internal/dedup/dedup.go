// Package dedup records which idempotency keys already produced a terminal
// outcome, so late or duplicate results can be dropped.
package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "payrelay/pkg/logx"
)

// Store is a set-if-absent record of terminal keys with expiry.
type Store interface {
	// Seen reports whether key has an unexpired terminal record.
	Seen(ctx context.Context, key string) (bool, error)
	// MarkOnce records key for ttl. It returns false when a record already
	// existed; exactly one caller wins per key.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget drops the record for key so a requeued job can finish again.
	Forget(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	RedisURL   string
	Prefix     string
	MaxEntries int // memory only
}

// Open returns the redis backend when RedisURL is set, the in-process
// backend otherwise.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Info("dedup backend: memory")
		return NewMemory(cfg.MaxEntries), nil
	}
	st, err := NewRedis(ctx, cfg.RedisURL, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	log.Info("dedup backend: redis")
	return st, nil
}

var errEmptyKey = errors.New("dedup: empty key")
