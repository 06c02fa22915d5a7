// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Storage. An empty DATABASE_URL selects the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	AutoMigrate bool          `env:"AUTO_MIGRATE" envDefault:"true"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	// Prices and execution.
	PriceFeedURL    string        `env:"PRICE_FEED_URL" envDefault:"https://api.binance.com"`
	ExchangeBaseURL string        `env:"EXCHANGE_BASE_URL" envDefault:"https://api.binance.com"`
	DefaultQuote    string        `env:"DEFAULT_QUOTE" envDefault:"USDT"`
	PriceTimeout    time.Duration `env:"PRICE_TIMEOUT" envDefault:"5s"`
	QuoteCacheTTL   time.Duration `env:"QUOTE_CACHE_TTL" envDefault:"2s"`

	// SweepInterval drives the background expiry sweep. 0 disables it.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`

	// Events. No brokers means events go to WebSocket clients only.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"cryptrade.settlement"`

	// OperatorToken enables the /admin routes. Empty leaves them unmounted.
	OperatorToken string `env:"OPERATOR_TOKEN"`

	// WSQueryUser accepts the WebSocket user id from the user_id query
	// parameter. Only safe when the gateway authenticates that value.
	WSQueryUser bool `env:"WS_QUERY_USER" envDefault:"false"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the process cannot run with.
func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("config: PORT must not be empty")
	}
	if c.PriceTimeout <= 0 {
		return errors.New("config: PRICE_TIMEOUT must be positive")
	}
	if c.SweepInterval < 0 {
		return errors.New("config: SWEEP_INTERVAL must not be negative")
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		return errors.New("config: REDIS_URL requires DATABASE_URL")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("config: KAFKA_TOPIC is required with KAFKA_BROKERS")
	}
	return nil
}
