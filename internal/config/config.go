// Package config содержит логику чтения конфигурации сервиса marketpay.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketpay/internal/gateway"
)

// Config содержит параметры конфигурации сервиса marketpay.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	PaystackBaseURL   string `env:"PAYSTACK_BASE_URL"`
	PaystackSecretKey string `env:"PAYSTACK_SECRET_KEY"`
	AuthSecret        string `env:"AUTH_SECRET"`

	FeePercent            decimal.Decimal `env:"FEE_PERCENT" envDefault:"2"`
	GatewayTimeout        time.Duration   `env:"GATEWAY_TIMEOUT" envDefault:"15s"`
	WithdrawalGracePeriod time.Duration   `env:"WITHDRAWAL_GRACE_PERIOD" envDefault:"10m"`
	RecoveryInterval      time.Duration   `env:"RECOVERY_INTERVAL" envDefault:"30s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env необязателен: в контейнере переменные приходят из окружения.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPaystackBaseURL := cfg.PaystackBaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.PaystackBaseURL, "g", gateway.DefaultBaseURL, "payment gateway base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPaystackBaseURL != "" {
		cfg.PaystackBaseURL = envPaystackBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("FEE_PERCENT must be in [0, 100), got %s", c.FeePercent)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %s", c.GatewayTimeout)
	}
	if c.WithdrawalGracePeriod < 0 {
		return fmt.Errorf("WITHDRAWAL_GRACE_PERIOD must not be negative, got %s", c.WithdrawalGracePeriod)
	}
	return nil
}
