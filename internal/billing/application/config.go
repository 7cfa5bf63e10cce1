package application

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
)

// Config defines the billing engine configuration.
type Config struct {
	Interval       time.Duration  `yaml:"interval"`
	RunOnStart     bool           `yaml:"run_on_start"`
	Workers        int            `yaml:"workers"`
	AccountTimeout time.Duration  `yaml:"account_timeout"`
	PassTimeout    time.Duration  `yaml:"pass_timeout"`
	LockTTL        time.Duration  `yaml:"lock_ttl"`
	TariffCacheTTL time.Duration  `yaml:"tariff_cache_ttl"`
	Billing        SnapshotConfig `yaml:"billing"`
	Alerts         AlertConfig    `yaml:"alerts"`
}

// SnapshotConfig is the file/env form of billing.Snapshot.
type SnapshotConfig struct {
	Enabled             bool    `yaml:"enabled"`
	RatePerKWh          float64 `yaml:"rate_per_kwh"`
	AutoReconnect       bool    `yaml:"auto_reconnect"`
	NotifyRestore       bool    `yaml:"notify_restore"`
	MaxLoadLimit        float64 `yaml:"max_load_limit"`
	LowBalanceThreshold float64 `yaml:"low_balance_threshold"`
	Sampling            string  `yaml:"sampling"`
}

// AlertConfig defines alert channels and throttling.
type AlertConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	RelayURL       string        `yaml:"relay_url"`
	StoreEnabled   bool          `yaml:"store_enabled"`
	Cooldown       time.Duration `yaml:"cooldown"`
	DedupeWindow   time.Duration `yaml:"dedupe_window"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoadConfig loads config from env, overlaid by the yaml file at BILLING_CONFIG.
func LoadConfig() (Config, error) {
	cfg := Config{
		Interval:       getenvDuration("BILLING_INTERVAL", 5*time.Minute),
		RunOnStart:     getenvBool("BILLING_RUN_ON_START", false),
		Workers:        getenvInt("BILLING_WORKERS", defaultWorkers),
		AccountTimeout: getenvDuration("BILLING_ACCOUNT_TIMEOUT", defaultAccountTimeout),
		PassTimeout:    getenvDuration("BILLING_PASS_TIMEOUT", defaultPassTimeout),
		LockTTL:        getenvDuration("BILLING_LOCK_TTL", time.Minute),
		TariffCacheTTL: getenvDuration("TARIFF_CACHE_TTL", time.Minute),
		Billing: SnapshotConfig{
			Enabled:             getenvBool("BILLING_ENABLED", true),
			RatePerKWh:          getenvFloatDefault("PRICE_PER_KWH", 0),
			AutoReconnect:       getenvBool("BILLING_AUTO_RECONNECT", false),
			NotifyRestore:       getenvBool("BILLING_NOTIFY_RESTORE", true),
			MaxLoadLimit:        getenvFloatDefault("MAX_LOAD_LIMIT", billing.DefaultMaxLoadLimit),
			LowBalanceThreshold: getenvFloatDefault("LOW_BALANCE_THRESHOLD", 0),
			Sampling:            getenvDefault("BILLING_SAMPLING", string(billing.SamplingPoint)),
		},
		Alerts: AlertConfig{
			WebhookURL:     os.Getenv("ALERT_WEBHOOK_URL"),
			RelayURL:       os.Getenv("ALERT_RELAY_URL"),
			StoreEnabled:   getenvBool("ALERT_STORE_ENABLED", true),
			Cooldown:       getenvDuration("ALERT_COOLDOWN", 10*time.Minute),
			DedupeWindow:   getenvDuration("ALERT_DEDUPE_WINDOW", time.Minute),
			RequestTimeout: getenvDuration("ALERT_REQUEST_TIMEOUT", 5*time.Second),
		},
	}

	if path := os.Getenv("BILLING_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.Interval <= 0 {
		return cfg, errors.New("billing config: interval must be positive")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	// The account lock must outlive the account deadline plus the detached
	// checkpoint write, or another replica can take the account mid-reconcile.
	if hold := cfg.Runner().AccountTimeout + checkpointWriteTimeout; cfg.LockTTL <= hold {
		return cfg, fmt.Errorf("billing config: lock_ttl %s must exceed account_timeout plus checkpoint write (%s)", cfg.LockTTL, hold)
	}
	if _, err := cfg.Snapshot(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Runner returns the pass bounds.
func (c Config) Runner() RunnerConfig {
	return RunnerConfig{
		Workers:        c.Workers,
		AccountTimeout: c.AccountTimeout,
		PassTimeout:    c.PassTimeout,
	}.withDefaults()
}

// Snapshot converts the billing section into a normalized snapshot.
func (c Config) Snapshot() (billing.Snapshot, error) {
	return c.Billing.Snapshot()
}

// Snapshot converts the config form into a normalized snapshot.
func (c SnapshotConfig) Snapshot() (billing.Snapshot, error) {
	snapshot := billing.Snapshot{
		Rate:                decimal.NewFromFloat(c.RatePerKWh),
		BillingEnabled:      c.Enabled,
		AutoReconnect:       c.AutoReconnect,
		NotifyRestore:       c.NotifyRestore,
		MaxLoadLimit:        c.MaxLoadLimit,
		LowBalanceThreshold: decimal.NewFromFloat(c.LowBalanceThreshold),
		Sampling:            billing.SamplingMode(strings.ToLower(strings.TrimSpace(c.Sampling))),
	}
	return snapshot.Normalize()
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
