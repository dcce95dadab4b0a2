package config

import "encoding/json"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets may be left empty and supplied through the environment instead
// (see env.go).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	API       APIConfig       `json:"api"`
	Storage   StorageConfig   `json:"storage"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Workers   WorkersConfig   `json:"workers,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	PaymentProvider ProviderConfig `json:"payment_provider,omitempty"`

	// Credentials maps a merchant credentials_ref to its secret. Refs of the
	// form "env:NAME" are read from the environment instead.
	Credentials map[string]string `json:"credentials,omitempty"`
	Merchants   []MerchantConfig  `json:"merchants"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to telegram.alert_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
	// RepeatWindow folds identical alerts within the window (default 1m).
	RepeatWindow string `json:"repeat_window,omitempty"`
}

// TelegramConfig is the operator bot. Merchants without a credentials_ref
// send notifications with this token.
type TelegramConfig struct {
	Token       string `json:"token"`
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	// Timeout is the HTTP timeout of one Bot API call.
	Timeout string `json:"timeout,omitempty"`

	// StartupNotice enqueues a notify job to alert_chat_id on boot, on
	// behalf of startup_merchant.
	StartupNotice   bool   `json:"startup_notice,omitempty"`
	StartupMerchant string `json:"startup_merchant,omitempty"`
}

// APIConfig controls the admin/enqueue HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback address requires a token unless allow_insecure is set.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same auth.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./payrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// DedupConfig selects where terminal idempotency keys are remembered.
// Redis is used when redis_url is set, process memory otherwise.
type DedupConfig struct {
	RedisURL   string `json:"redis_url,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	TTL        string `json:"ttl,omitempty"` // default 168h
	MaxEntries int    `json:"max_entries,omitempty"`
}

// DispatchConfig is the retry policy.
//
// Defaults: max_attempts 5, retry_base 1s, retry_max_delay 5m,
// attempt_timeout 30s, suspended_recheck 30s.
type DispatchConfig struct {
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
	AttemptTimeout   string `json:"attempt_timeout,omitempty"`
	SuspendedRecheck string `json:"suspended_recheck,omitempty"`
}

type WorkersConfig struct {
	Count         int    `json:"count,omitempty"` // default 4
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	ScanLimit    int    `json:"scan_limit,omitempty"`
	RecoverEvery string `json:"recover_every,omitempty"`
	StaleAfter   string `json:"stale_after,omitempty"`
	Timezone     string `json:"timezone,omitempty"`

	Recurring []RecurringConfig `json:"recurring,omitempty"`
}

// RecurringConfig enqueues one job per fire time of Schedule.
type RecurringConfig struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Merchant string          `json:"merchant"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// RateLimitConfig holds limiter defaults and the per-merchant breaker.
type RateLimitConfig struct {
	DefaultBurst      int    `json:"default_burst,omitempty"`
	BreakerTrip       int    `json:"breaker_trip,omitempty"` // < 0 disables the breaker
	BreakerBase       string `json:"breaker_base,omitempty"`
	BreakerMax        string `json:"breaker_max,omitempty"`
	BreakerResetAfter string `json:"breaker_reset_after,omitempty"`
}

// ProviderConfig is the payment provider endpoint used by payment.* jobs.
type ProviderConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type MerchantConfig struct {
	ID             string   `json:"id"`
	CredentialsRef string   `json:"credentials_ref,omitempty"`
	RateCeiling    int      `json:"rate_ceiling"`
	RateWindow     string   `json:"rate_window"`
	RateBurst      int      `json:"rate_burst,omitempty"`
	MaxConcurrent  int      `json:"max_concurrent,omitempty"`
	Capabilities   []string `json:"capabilities"`
	Suspended      bool     `json:"suspended,omitempty"`
}
