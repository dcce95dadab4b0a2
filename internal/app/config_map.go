package app

import (
	"fmt"
	"strings"
	"time"

	"payrelay/internal/api"
	"payrelay/internal/capability/httpapi"
	"payrelay/internal/capability/telegram"
	"payrelay/internal/config"
	"payrelay/internal/dedup"
	"payrelay/internal/dispatch"
	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	"payrelay/internal/ratelimit"
	"payrelay/internal/scheduler"
	"payrelay/internal/sink"
	"payrelay/internal/storage"
	"payrelay/internal/worker"
	logx "payrelay/pkg/logx"
)

const (
	defaultTerminalTTL = 7 * 24 * time.Hour
	defaultStaleAfter  = 10 * time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	repeat, _ := config.ParseDurationField("logging.telegram.repeat_window", cfg.Logging.Telegram.RepeatWindow)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
			// Validated in validateConfig; a bad value falls back to the default.
			RepeatWindow: repeat,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDedupConfig(cfg *config.Config) (dedup.Config, sink.Config, error) {
	dc := cfg.Dedup
	if dc.MaxEntries < 0 {
		return dedup.Config{}, sink.Config{}, fmt.Errorf("dedup.max_entries must be >= 0")
	}
	ttl, err := config.ParseDurationOrDefault("dedup.ttl", dc.TTL, defaultTerminalTTL)
	if err != nil {
		return dedup.Config{}, sink.Config{}, err
	}
	prefix := strings.TrimSpace(dc.Prefix)
	if prefix == "" {
		prefix = "payrelay:terminal:"
	}
	return dedup.Config{RedisURL: strings.TrimSpace(dc.RedisURL), Prefix: prefix, MaxEntries: dc.MaxEntries},
		sink.Config{TerminalTTL: ttl}, nil
}

func mapDispatchPolicy(cfg *config.Config) (dispatch.Policy, error) {
	dc := cfg.Dispatch
	if dc.MaxAttempts < 0 {
		return dispatch.Policy{}, fmt.Errorf("dispatch.max_attempts must be >= 0")
	}
	var p dispatch.Policy
	var err error
	p.MaxAttempts = dc.MaxAttempts
	if p.Base, err = config.ParseDurationField("dispatch.retry_base", dc.RetryBase); err != nil {
		return dispatch.Policy{}, err
	}
	if p.MaxDelay, err = config.ParseDurationField("dispatch.retry_max_delay", dc.RetryMaxDelay); err != nil {
		return dispatch.Policy{}, err
	}
	if p.AttemptTimeout, err = config.ParseDurationField("dispatch.attempt_timeout", dc.AttemptTimeout); err != nil {
		return dispatch.Policy{}, err
	}
	if p.SuspendedRecheck, err = config.ParseDurationField("dispatch.suspended_recheck", dc.SuspendedRecheck); err != nil {
		return dispatch.Policy{}, err
	}
	return p.WithDefaults(), nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	wc := cfg.Workers
	if wc.Count < 0 || wc.QueueSize < 0 || wc.HistorySize < 0 {
		return worker.Config{}, fmt.Errorf("workers.count, workers.queue_size and workers.history_size must be >= 0")
	}
	delay, err := config.ParseDurationField("workers.max_queue_delay", wc.MaxQueueDelay)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Workers:       wc.Count,
		QueueSize:     wc.QueueSize,
		MaxQueueDelay: delay,
		HistorySize:   wc.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.ScanLimit < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.scan_limit must be >= 0")
	}
	var out scheduler.Config
	var err error
	out.ScanLimit = sc.ScanLimit
	out.Timezone = strings.TrimSpace(sc.Timezone)
	if out.PollInterval, err = config.ParseDurationField("scheduler.poll_interval", sc.PollInterval); err != nil {
		return scheduler.Config{}, err
	}
	if out.RecoverEvery, err = config.ParseDurationField("scheduler.recover_every", sc.RecoverEvery); err != nil {
		return scheduler.Config{}, err
	}
	if out.StaleAfter, err = config.ParseDurationField("scheduler.stale_after", sc.StaleAfter); err != nil {
		return scheduler.Config{}, err
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	return out, nil
}

func mapRecurring(cfg *config.Config) ([]scheduler.Recurring, error) {
	out := make([]scheduler.Recurring, 0, len(cfg.Scheduler.Recurring))
	for i, rc := range cfg.Scheduler.Recurring {
		kind, err := jobs.ParseKind(rc.Kind)
		if err != nil {
			return nil, fmt.Errorf("scheduler.recurring[%d]: %w", i, err)
		}
		out = append(out, scheduler.Recurring{
			Name:       strings.TrimSpace(rc.Name),
			Schedule:   rc.Schedule,
			MerchantID: strings.TrimSpace(rc.Merchant),
			Kind:       kind,
			Payload:    rc.Payload,
		})
	}
	return out, nil
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	rc := cfg.RateLimit
	if rc.DefaultBurst < 0 {
		return ratelimit.Config{}, fmt.Errorf("rate_limit.default_burst must be >= 0")
	}
	out := ratelimit.Config{DefaultBurst: rc.DefaultBurst, BreakerTrip: rc.BreakerTrip}
	var err error
	if out.BreakerBase, err = config.ParseDurationField("rate_limit.breaker_base", rc.BreakerBase); err != nil {
		return ratelimit.Config{}, err
	}
	if out.BreakerMax, err = config.ParseDurationField("rate_limit.breaker_max", rc.BreakerMax); err != nil {
		return ratelimit.Config{}, err
	}
	if out.BreakerResetAfter, err = config.ParseDurationField("rate_limit.breaker_reset_after", rc.BreakerResetAfter); err != nil {
		return ratelimit.Config{}, err
	}
	return out, nil
}

func mapMerchants(cfg *config.Config) ([]merchant.Merchant, error) {
	out := make([]merchant.Merchant, 0, len(cfg.Merchants))
	for i, mc := range cfg.Merchants {
		window, err := config.ParseDurationField(fmt.Sprintf("merchants[%d].rate_window", i), mc.RateWindow)
		if err != nil {
			return nil, err
		}
		caps := make([]jobs.Kind, 0, len(mc.Capabilities))
		for _, raw := range mc.Capabilities {
			k, err := jobs.ParseKind(raw)
			if err != nil {
				return nil, fmt.Errorf("merchants[%d] %s: %w", i, mc.ID, err)
			}
			caps = append(caps, k)
		}
		m := merchant.Merchant{
			ID:             strings.TrimSpace(mc.ID),
			CredentialsRef: strings.TrimSpace(mc.CredentialsRef),
			Ceiling:        mc.RateCeiling,
			Window:         window,
			Burst:          mc.RateBurst,
			MaxConcurrent:  mc.MaxConcurrent,
			Capabilities:   caps,
			Suspended:      mc.Suspended,
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationField("telegram.timeout", cfg.Telegram.Timeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), Timeout: timeout}, nil
}

// mapProviderConfig reports enabled=false when no base_url is configured;
// payment kinds are then left unbound and fail as capability_disabled.
func mapProviderConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	pc := cfg.PaymentProvider
	timeout, err := config.ParseDurationField("payment_provider.timeout", pc.Timeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	base := strings.TrimSpace(pc.BaseURL)
	return httpapi.Config{BaseURL: base, Timeout: timeout}, base != "", nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	ac := cfg.API
	out := api.Config{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 10*time.Second); err != nil {
		return api.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("api.write_timeout", ac.WriteTimeout, 30*time.Second); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("api.idle_timeout", ac.IdleTimeout, 60*time.Second); err != nil {
		return api.Config{}, err
	}
	return out, nil
}

// validateConfig runs every mapper so a bad reload is rejected before commit.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("logging.telegram.repeat_window", cfg.Logging.Telegram.RepeatWindow); err != nil {
		return err
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		return fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDedupConfig(cfg); err != nil {
		return err
	}
	p, err := mapDispatchPolicy(cfg)
	if err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	stale := sc.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	if stale <= p.AttemptTimeout {
		return fmt.Errorf("scheduler.stale_after (%s) must exceed dispatch.attempt_timeout (%s)", stale, p.AttemptTimeout)
	}
	if _, err := mapRecurring(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimitConfig(cfg); err != nil {
		return err
	}
	ms, err := mapMerchants(cfg)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate merchant id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapProviderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	return nil
}
