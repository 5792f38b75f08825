// Package config loads the payout service runtime configuration from YAML.
// Secrets are never inlined: signing keys and the wallet master key resolve
// through file or environment indirection.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the payout service.
type Config struct {
	Service     string           `yaml:"service"`
	Environment string           `yaml:"environment"`
	LogLevel    string           `yaml:"log_level"`
	Listen      string           `yaml:"listen"`
	StoragePath string           `yaml:"storage_path"`
	EventLog    EventLogConfig   `yaml:"event_log"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	Compliance  ComplianceConfig `yaml:"compliance"`
	Payouts     PayoutConfig     `yaml:"payouts"`
	Routes      RoutesConfig     `yaml:"routes"`
	Wallets     WalletConfig     `yaml:"wallets"`
	Gateway     GatewayConfig    `yaml:"gateway"`
}

// EventLogConfig controls the rotated audit trail.
type EventLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LedgerConfig configures the ledger node client.
type LedgerConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	SignerKey      string   `yaml:"signer_key"`
	SignerKeyFile  string   `yaml:"signer_key_file"`
	SignerKeyEnv   string   `yaml:"signer_key_env"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// ComplianceConfig configures signature verification and the KYC registry.
type ComplianceConfig struct {
	AuthorityKey      string   `yaml:"authority_key"`
	AuthorityKeyFile  string   `yaml:"authority_key_file"`
	SignatureValidity Duration `yaml:"signature_validity"`
	KYCValidity       Duration `yaml:"kyc_validity"`
	SweepInterval     Duration `yaml:"sweep_interval"`
}

// PayoutConfig configures the orchestrator.
type PayoutConfig struct {
	DailyCap          string   `yaml:"daily_cap"`
	HourlyCap         string   `yaml:"hourly_cap"`
	MaxBatchSize      int      `yaml:"max_batch_size"`
	MaxConcurrent     int      `yaml:"max_concurrent"`
	MaxRetries        int      `yaml:"max_retries"`
	BatchInterval     Duration `yaml:"batch_interval"`
	ConfirmInterval   Duration `yaml:"confirm_interval"`
	RetentionPeriod   Duration `yaml:"retention_period"`
	BreakerThreshold  int      `yaml:"breaker_threshold"`
	BreakerRecovery   Duration `yaml:"breaker_recovery"`
	BreakerHalfOpen   int      `yaml:"breaker_half_open"`
	RetentionInterval Duration `yaml:"retention_interval"`
}

// RouteConfig bounds one dispatch route.
type RouteConfig struct {
	MinAmount   string `yaml:"min_amount"`
	MaxAmount   string `yaml:"max_amount"`
	DailyCap    string `yaml:"daily_cap"`
	FeeLimitSun int64  `yaml:"fee_limit_sun"`
}

// RoutesConfig carries the per-route bounds plus the treasury source address.
type RoutesConfig struct {
	Treasury string      `yaml:"treasury"`
	Open     RouteConfig `yaml:"open"`
	KYC      RouteConfig `yaml:"kyc"`
}

// WalletConfig configures the wallet adapter.
type WalletConfig struct {
	MasterKey          string   `yaml:"master_key"`
	MasterKeyEnv       string   `yaml:"master_key_env"`
	MasterKeyFile      string   `yaml:"master_key_file"`
	SessionIdleTimeout Duration `yaml:"session_idle_timeout"`
	InactivityHorizon  Duration `yaml:"inactivity_horizon"`
	RotationInterval   Duration `yaml:"rotation_interval"`
	MaxSessions        int      `yaml:"max_sessions"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	RatePerSecond  float64  `yaml:"rate_per_second"`
	RateBurst      int      `yaml:"rate_burst"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger signer: %w", err)
	}
	if err := cfg.Compliance.normalise(); err != nil {
		return cfg, fmt.Errorf("compliance authority: %w", err)
	}
	if err := cfg.Wallets.normalise(); err != nil {
		return cfg, fmt.Errorf("wallet master key: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "lucid-payoutd"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7432"
	}
	if cfg.EventLog.Path == "" {
		cfg.EventLog.Path = "payout-events.log"
	}
	if cfg.Ledger.RequestTimeout.Duration == 0 {
		cfg.Ledger.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Compliance.SignatureValidity.Duration == 0 {
		cfg.Compliance.SignatureValidity.Duration = 24 * time.Hour
	}
	if cfg.Compliance.KYCValidity.Duration == 0 {
		cfg.Compliance.KYCValidity.Duration = 365 * 24 * time.Hour
	}
	if cfg.Compliance.SweepInterval.Duration == 0 {
		cfg.Compliance.SweepInterval.Duration = time.Hour
	}
	if cfg.Gateway.RatePerSecond <= 0 {
		cfg.Gateway.RatePerSecond = 10
	}
	if cfg.Gateway.RateBurst <= 0 {
		cfg.Gateway.RateBurst = 20
	}
	if cfg.Gateway.ReadTimeout.Duration == 0 {
		cfg.Gateway.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.Gateway.WriteTimeout.Duration == 0 {
		cfg.Gateway.WriteTimeout.Duration = 30 * time.Second
	}
	if cfg.Gateway.IdleTimeout.Duration == 0 {
		cfg.Gateway.IdleTimeout.Duration = 120 * time.Second
	}
	if cfg.Gateway.RequestTimeout.Duration == 0 {
		cfg.Gateway.RequestTimeout.Duration = 30 * time.Second
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.StoragePath) == "" {
		return fmt.Errorf("storage_path must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Routes.Treasury) == "" {
		return fmt.Errorf("routes treasury must be configured")
	}
	if strings.TrimSpace(cfg.Payouts.DailyCap) == "" {
		return fmt.Errorf("payouts daily_cap must be configured")
	}
	if strings.TrimSpace(cfg.Payouts.HourlyCap) == "" {
		return fmt.Errorf("payouts hourly_cap must be configured")
	}
	return nil
}

// resolveSecret applies inline/env/file indirection in that order.
func resolveSecret(inline, envName, filePath, label string) (string, error) {
	if trimmed := strings.TrimSpace(inline); trimmed != "" {
		return trimmed, nil
	}
	if name := strings.TrimSpace(envName); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return "", fmt.Errorf("%s env %s is empty", label, name)
		}
		return value, nil
	}
	if path := strings.TrimSpace(filePath); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", label, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func (c *LedgerConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("ledger configuration missing")
	}
	key, err := resolveSecret(c.SignerKey, c.SignerKeyEnv, c.SignerKeyFile, "signer_key")
	if err != nil {
		return err
	}
	c.SignerKey = key
	apiKey, err := resolveSecret(c.APIKey, c.APIKeyEnv, "", "api_key")
	if err != nil {
		return err
	}
	c.APIKey = apiKey
	if c.SignerKey == "" {
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

func (c *ComplianceConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("compliance configuration missing")
	}
	key, err := resolveSecret(c.AuthorityKey, "", c.AuthorityKeyFile, "authority_key")
	if err != nil {
		return err
	}
	c.AuthorityKey = key
	if c.AuthorityKey == "" {
		return fmt.Errorf("authority_key is required")
	}
	return nil
}

func (c *WalletConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("wallet configuration missing")
	}
	key, err := resolveSecret(c.MasterKey, c.MasterKeyEnv, c.MasterKeyFile, "master_key")
	if err != nil {
		return err
	}
	c.MasterKey = key
	return nil
}
