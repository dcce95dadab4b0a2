package config

import (
	"reflect"
	"sort"
	"strings"

	logx "payrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens, DSNs and credentials are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if nt := newCfg.Telegram; oldCfg.Telegram != nt {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", nt.Token != ""),
			logx.Bool("telegram.alert_chat_set", nt.AlertChatID != 0),
		)
	}

	if na := newCfg.API; oldCfg.API != na {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", na.Enabled),
			logx.String("api.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("api.token_set", na.Token != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", newCfg.Storage.Path != ""),
		)
	}
	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs, logx.Bool("dedup.redis", newCfg.Dedup.RedisURL != ""))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
			logx.String("dispatch.retry_base", newCfg.Dispatch.RetryBase),
			logx.String("dispatch.retry_max_delay", newCfg.Dispatch.RetryMaxDelay),
		)
	}
	if oldCfg.Workers != newCfg.Workers {
		changed = append(changed, "workers")
		attrs = append(attrs, logx.Int("workers.count", newCfg.Workers.Count))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.Int("scheduler.recurring", len(newCfg.Scheduler.Recurring)),
		)
	}
	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs, logx.Int("rate_limit.breaker_trip", newCfg.RateLimit.BreakerTrip))
	}
	if oldCfg.PaymentProvider != newCfg.PaymentProvider {
		changed = append(changed, "payment_provider")
		attrs = append(attrs, logx.Bool("payment_provider.base_url_set", newCfg.PaymentProvider.BaseURL != ""))
	}
	if !reflect.DeepEqual(oldCfg.Credentials, newCfg.Credentials) {
		changed = append(changed, "credentials")
		attrs = append(attrs, logx.Int("credentials.count", len(newCfg.Credentials)))
	}
	if ids := diffMerchants(oldCfg.Merchants, newCfg.Merchants); len(ids) > 0 {
		changed = append(changed, "merchants")
		attrs = append(attrs,
			logx.Int("merchants.changed_count", len(ids)),
			logx.String("merchants.changed", strings.Join(ids, ",")),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the changed sections that hot reload cannot apply.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.API != newCfg.API {
		out = append(out, "api")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Dedup != newCfg.Dedup {
		out = append(out, "dedup")
	}
	if oldCfg.Workers != newCfg.Workers {
		out = append(out, "workers")
	}
	if oldCfg.PaymentProvider != newCfg.PaymentProvider {
		out = append(out, "payment_provider")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.Timeout != newCfg.Telegram.Timeout {
		out = append(out, "telegram")
	}
	return out
}

// diffMerchants returns the ids added, removed or modified.
func diffMerchants(oldM, newM []MerchantConfig) []string {
	byID := func(ms []MerchantConfig) map[string]MerchantConfig {
		out := make(map[string]MerchantConfig, len(ms))
		for _, m := range ms {
			out[m.ID] = m
		}
		return out
	}
	o, n := byID(oldM), byID(newM)
	set := map[string]struct{}{}
	for id := range o {
		set[id] = struct{}{}
	}
	for id := range n {
		set[id] = struct{}{}
	}
	var out []string
	for id := range set {
		om, inOld := o[id]
		nm, inNew := n[id]
		if inOld != inNew || !reflect.DeepEqual(om, nm) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
