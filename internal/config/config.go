// Package config содержит логику чтения конфигурации сервиса баллов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса баллов.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	SweepInterval time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"1m"`

	MinAwardAmount      int64 `env:"MIN_AWARD_AMOUNT" envDefault:"1"`
	MaxAwardAmount      int64 `env:"MAX_AWARD_AMOUNT" envDefault:"100000"`
	MaxBalancePerMember int64 `env:"MAX_BALANCE_PER_MEMBER" envDefault:"1000000"`
	DefaultExpiryDays   int   `env:"DEFAULT_EXPIRY_DAYS" envDefault:"365"`
	MinExpiryDays       int   `env:"MIN_EXPIRY_DAYS" envDefault:"1"`
	MaxExpiryDays       int   `env:"MAX_EXPIRY_DAYS" envDefault:"1825"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
