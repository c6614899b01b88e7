// Package config loads the engine's runtime configuration from an optional
// YAML file plus environment overrides. Every knob has a sane default, so
// the server runs with no config file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.yaml.in/yaml/v4"
)

// Duration wraps time.Duration with YAML support for "30s"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// fileConfig is the raw YAML shape. Monetary knobs are plain numbers here
// and converted to decimal exactly once at load time.
type fileConfig struct {
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	Port     string `yaml:"port"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		URL      string   `yaml:"url"`
		CacheTTL Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	Market struct {
		DefaultB       float64  `yaml:"default_b"`
		DefaultBalance float64  `yaml:"default_balance"`
		RedeemFee      *float64 `yaml:"redeem_fee"` // nil → default 5%, explicit 0 disables
		SellFee        float64  `yaml:"sell_fee"`
		PoolAccount    string   `yaml:"pool_account"`
	} `yaml:"market"`

	Risk struct {
		MaxPerMarket  float64 `yaml:"max_per_market"`
		MaxPerSubject float64 `yaml:"max_per_subject"`
	} `yaml:"risk"`
}

// Config is the resolved runtime configuration.
type Config struct {
	LogLevel string
	Port     string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	DefaultB       decimal.Decimal
	DefaultBalance decimal.Decimal
	RedeemFee      decimal.Decimal
	SellFee        decimal.Decimal
	PoolAccount    string

	MaxPerMarket  decimal.Decimal
	MaxPerSubject decimal.Decimal
}

// Load reads path (skipped when empty or missing) and applies environment
// overrides: PORT, DATABASE_URL, REDIS_URL, LOG_LEVEL.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("couldn't read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("couldn't parse config %s: %w", path, err)
		}
	}

	cfg := &Config{
		LogLevel:       fc.LogLevel,
		Port:           fc.Port,
		DatabaseURL:    fc.Database.URL,
		RedisURL:       fc.Redis.URL,
		CacheTTL:       time.Duration(fc.Redis.CacheTTL),
		DefaultB:       decimal.NewFromFloat(fc.Market.DefaultB),
		DefaultBalance: decimal.NewFromFloat(fc.Market.DefaultBalance),
		RedeemFee:      decimal.NewFromFloat(0.05),
		SellFee:        decimal.NewFromFloat(fc.Market.SellFee),
		PoolAccount:    fc.Market.PoolAccount,
		MaxPerMarket:   decimal.NewFromFloat(fc.Risk.MaxPerMarket),
		MaxPerSubject:  decimal.NewFromFloat(fc.Risk.MaxPerSubject),
	}
	if fc.Market.RedeemFee != nil {
		cfg.RedeemFee = decimal.NewFromFloat(*fc.Market.RedeemFee)
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.DefaultB.LessThanOrEqual(decimal.Zero) {
		c.DefaultB = decimal.NewFromInt(100)
	}
	if c.PoolAccount == "" {
		c.PoolAccount = "AMM"
	}
}

func (c *Config) validate() error {
	one := decimal.NewFromInt(1)
	if c.RedeemFee.IsNegative() || c.RedeemFee.GreaterThanOrEqual(one) {
		return fmt.Errorf("market.redeem_fee must be in [0, 1), got %s", c.RedeemFee)
	}
	if c.SellFee.IsNegative() || c.SellFee.GreaterThanOrEqual(one) {
		return fmt.Errorf("market.sell_fee must be in [0, 1), got %s", c.SellFee)
	}
	if c.DefaultBalance.IsNegative() {
		return fmt.Errorf("market.default_balance must be >= 0, got %s", c.DefaultBalance)
	}
	if c.MaxPerMarket.IsNegative() || c.MaxPerSubject.IsNegative() {
		return fmt.Errorf("risk limits must be >= 0")
	}
	return nil
}
