package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds the settings that may come from the environment. Non-empty
// values override the config file, so secrets never need to be on disk.
type Env struct {
	ConfigPath    string `env:"PAYRELAY_CONFIG" envDefault:"config.yaml"`
	TelegramToken string `env:"PAYRELAY_TELEGRAM_TOKEN"`
	APIToken      string `env:"PAYRELAY_API_TOKEN"`
	PostgresDSN   string `env:"PAYRELAY_POSTGRES_DSN"`
	RedisURL      string `env:"PAYRELAY_REDIS_URL"`
	ProviderURL   string `env:"PAYRELAY_PROVIDER_URL"`
	LogLevel      string `env:"PAYRELAY_LOG_LEVEL"`
}

func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("environment: %w", err)
	}
	return e, nil
}

// Overlay writes the non-empty environment values into cfg.
func (e Env) Overlay(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, e.TelegramToken)
	set(&cfg.API.Token, e.APIToken)
	set(&cfg.Dedup.RedisURL, e.RedisURL)
	set(&cfg.PaymentProvider.BaseURL, e.ProviderURL)
	set(&cfg.Logging.Level, e.LogLevel)
	if e.PostgresDSN != "" {
		cfg.Storage.DSN = e.PostgresDSN
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
}
