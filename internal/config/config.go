// Package config содержит логику чтения конфигурации сервиса authgate.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса authgate.
type Config struct {
	RunAddress              string        `env:"RUN_ADDRESS"`
	DatabaseURI             string        `env:"DATABASE_URI"`
	IdentityProviderAddress string        `env:"IDENTITY_PROVIDER_ADDRESS"`
	SessionSecret           string        `env:"SESSION_SECRET"`
	AuditFlushInterval      time.Duration `env:"AUDIT_FLUSH_INTERVAL"`
	LoginMaxAttempts        int           `env:"LOGIN_MAX_ATTEMPTS"`
	LoginWindow             time.Duration `env:"LOGIN_WINDOW"`
	LoginBlock              time.Duration `env:"LOGIN_BLOCK"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.IdentityProviderAddress, "i", "", "identity provider address")
	flag.StringVar(&cfg.SessionSecret, "s", "", "secret key for session cookies")
	flag.DurationVar(&cfg.AuditFlushInterval, "f", 5*time.Second, "audit buffer flush interval")
	flag.IntVar(&cfg.LoginMaxAttempts, "max-attempts", 5, "failed sign-in attempts before blocking")
	flag.DurationVar(&cfg.LoginWindow, "attempt-window", 15*time.Minute, "sliding window for counting sign-in attempts")
	flag.DurationVar(&cfg.LoginBlock, "block-duration", 15*time.Minute, "block duration after exceeding the attempt limit")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.IdentityProviderAddress != "" {
		cfg.IdentityProviderAddress = envCfg.IdentityProviderAddress
	}
	if envCfg.SessionSecret != "" {
		cfg.SessionSecret = envCfg.SessionSecret
	}
	if envCfg.AuditFlushInterval != 0 {
		cfg.AuditFlushInterval = envCfg.AuditFlushInterval
	}
	if envCfg.LoginMaxAttempts != 0 {
		cfg.LoginMaxAttempts = envCfg.LoginMaxAttempts
	}
	if envCfg.LoginWindow != 0 {
		cfg.LoginWindow = envCfg.LoginWindow
	}
	if envCfg.LoginBlock != 0 {
		cfg.LoginBlock = envCfg.LoginBlock
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
