// Package config loads service settings from an optional .env file, an
// optional YAML file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/instrument"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

type Config struct {
	Server      Server           `yaml:"server"`
	Database    Database         `yaml:"database"`
	Redis       Redis            `yaml:"redis"`
	Kafka       Kafka            `yaml:"kafka"`
	Ledger      Ledger           `yaml:"ledger"`
	Log         Log              `yaml:"log"`
	Events      Events           `yaml:"events"`
	Instruments []InstrumentSeed `yaml:"instruments" validate:"dive"`
}

type Server struct {
	Port            string        `yaml:"port" validate:"required,numeric"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

type Database struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

type Redis struct {
	URL      string        `yaml:"url" validate:"omitempty,url"`
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"min=0"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" validate:"dive,hostname_port"`
	Topic   string   `yaml:"topic" validate:"required_with=Brokers"`
}

type Ledger struct {
	StartingBalance string `yaml:"starting_balance" validate:"required,decimal"`
	Currency        string `yaml:"currency" validate:"required,len=3,uppercase"`
}

type Log struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
}

type Events struct {
	PoolSize int           `yaml:"pool_size" validate:"min=1"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

// InstrumentSeed is an instrument created at startup if missing.
type InstrumentSeed struct {
	Symbol        string `yaml:"symbol" validate:"required,symbol"`
	Name          string `yaml:"name" validate:"required"`
	Price         string `yaml:"price" validate:"required,decimal"`
	PreviousClose string `yaml:"previous_close" validate:"omitempty,decimal"`
	Volume        int64  `yaml:"volume" validate:"min=0"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Server: Server{Port: "8080", ShutdownTimeout: 5 * time.Second},
		Redis:  Redis{CacheTTL: 30 * time.Second},
		Kafka:  Kafka{Topic: "ledger.trades"},
		Ledger: Ledger{StartingBalance: "100000", Currency: "INR"},
		Log:    Log{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Events: Events{PoolSize: 64, Timeout: 5 * time.Second},
		Instruments: []InstrumentSeed{
			{Symbol: "RELIANCE", Name: "Reliance Industries Ltd.", Price: "2876.45", PreviousClose: "2842.24", Volume: 3245678},
			{Symbol: "TCS", Name: "Tata Consultancy Services Ltd.", Price: "3542.30", PreviousClose: "3558.26", Volume: 1234567},
			{Symbol: "HDFCBANK", Name: "HDFC Bank Ltd.", Price: "1678.90", PreviousClose: "1665.25", Volume: 2345678},
			{Symbol: "INFY", Name: "Infosys Ltd.", Price: "1489.65", PreviousClose: "1484.45", Volume: 1876543},
			{Symbol: "ICICIBANK", Name: "ICICI Bank Ltd.", Price: "945.20", PreviousClose: "934.56", Volume: 4567890},
			{Symbol: "HINDUNILVR", Name: "Hindustan Unilever Ltd.", Price: "2456.75", PreviousClose: "2472.75", Volume: 987654},
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// LEDGER_CONFIG is consulted, and when that is empty too only defaults and
// the environment apply. A .env file in the working directory, if present,
// is loaded first without overriding variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("LEDGER_CONFIG")
	}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Kafka.Topic, "KAFKA_TOPIC")
	setString(&cfg.Ledger.StartingBalance, "STARTING_BALANCE")
	setString(&cfg.Ledger.Currency, "CURRENCY")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.File, "LOG_FILE")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		cfg.Redis.CacheTTL = ttl
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		sym, err := instrument.NormalizeSymbol(fl.Field().String())
		return err == nil && sym == fl.Field().String()
	})
	return v
}

// Validate checks cfg against its field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.StartingBalance().IsPositive() {
		return fmt.Errorf("invalid config: starting balance must be positive, got %s", cfg.Ledger.StartingBalance)
	}
	return nil
}

// StartingBalance is the cash new accounts open with.
func (c *Config) StartingBalance() decimal.Decimal {
	b, _ := decimal.NewFromString(c.Ledger.StartingBalance)
	return b
}

// SeedInstruments converts the configured instrument seeds, stamped with at.
// Validate must have passed.
func (c *Config) SeedInstruments(at time.Time) []model.Instrument {
	out := make([]model.Instrument, 0, len(c.Instruments))
	for _, seed := range c.Instruments {
		inst := model.Instrument{
			Symbol:       seed.Symbol,
			Name:         seed.Name,
			CurrentPrice: decimal.RequireFromString(seed.Price),
			Volume:       seed.Volume,
			UpdatedAt:    at,
		}
		if seed.PreviousClose != "" {
			inst.PreviousClose = decimal.RequireFromString(seed.PreviousClose)
		}
		out = append(out, inst)
	}
	return out
}
