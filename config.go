package inferbill

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Billing      BillingConfig      `yaml:"billing"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Breaker      BreakerSettings    `yaml:"breaker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	Sweep        SweepConfig        `yaml:"sweep"`
	Audit        AuditConfig        `yaml:"audit"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Models       []ModelConfig      `yaml:"models"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Service string `yaml:"service"`
}

// BillingConfig configures the ledger and refunds.
type BillingConfig struct {
	Currency  string   `yaml:"currency"`
	Fee       *float64 `yaml:"fee"`
	Precision *int32   `yaml:"precision"`

	// ServerEstimate prices requests from model prices instead of the
	// client-supplied estimate.
	ServerEstimate       bool  `yaml:"server_estimate"`
	EstimateOutputTokens int64 `yaml:"estimate_output_tokens"`

	RollbackAttempts int           `yaml:"rollback_attempts"`
	RollbackBackoff  time.Duration `yaml:"rollback_backoff"`
}

// RateLimitConfig configures fixed-window limits per action.
type RateLimitConfig struct {
	Window     time.Duration  `yaml:"window"`
	RetryAfter time.Duration  `yaml:"retry_after"`
	Actions    map[string]int `yaml:"actions"`
}

// IdempotencyConfig configures duplicate suppression.
type IdempotencyConfig struct {
	Bucket time.Duration `yaml:"bucket"`
}

// BreakerSettings configures upstream circuit breakers.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// BreakerConfig converts the settings for NewBreakers.
func (s BreakerSettings) BreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: s.FailureThreshold,
		FailureWindow:    s.FailureWindow,
		ResetTimeout:     s.ResetTimeout,
	}.withDefaults()
}

// OrchestratorConfig configures upstream calls.
type OrchestratorConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	TablePrefix string `yaml:"table_prefix"`

	// When RedisAddr is set, rate-limit counters and idempotency claims live in Redis.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// SweepConfig schedules removal of stale counters and claims.
type SweepConfig struct {
	Schedule        string        `yaml:"schedule"`
	WindowRetention time.Duration `yaml:"window_retention"`
	ClaimRetention  time.Duration `yaml:"claim_retention"`
}

// AuditConfig configures optional audit sinks.
type AuditConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the Kafka audit sink. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ProviderConfig configures one upstream.
type ProviderConfig struct {
	Name    string  `yaml:"name"`
	Kind    string  `yaml:"kind"`
	BaseURL string  `yaml:"base_url"`
	Auth    Auth    `yaml:"auth"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`

	// Models restricts the upstream models this provider serves. Empty serves all.
	Models []string `yaml:"models"`
}

// ModelConfig configures one billable model.
type ModelConfig struct {
	ID            string      `yaml:"id"`
	Provider      string      `yaml:"provider"`
	UpstreamModel string      `yaml:"upstream_model"`
	Transports    []Transport `yaml:"transports"`
	InputPrice    float64     `yaml:"input_price"`
	OutputPrice   float64     `yaml:"output_price"`
}

// Provider kinds understood by the binary.
const (
	ProviderKindOpenAICompat = "openaicompat"
	ProviderKindGemini       = "gemini"
	ProviderKindMock         = "mock"
)

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("inferbill: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and validates.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("inferbill: parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Billing.Currency == "" {
		c.Billing.Currency = "USD"
	}
	if c.Billing.Fee == nil {
		fee := 0.02
		c.Billing.Fee = &fee
	}
	if c.Billing.Precision == nil {
		places := int32(2)
		c.Billing.Precision = &places
	}
	if c.Billing.EstimateOutputTokens == 0 {
		c.Billing.EstimateOutputTokens = 256
	}
	if c.Billing.RollbackAttempts == 0 {
		c.Billing.RollbackAttempts = 2
	}
	if c.Billing.RollbackBackoff == 0 {
		c.Billing.RollbackBackoff = 100 * time.Millisecond
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.RetryAfter == 0 {
		c.RateLimit.RetryAfter = 15 * time.Second
	}
	if c.RateLimit.Actions == nil {
		c.RateLimit.Actions = map[string]int{ActionConfirm: 10}
	}
	if c.Idempotency.Bucket == 0 {
		c.Idempotency.Bucket = time.Minute
	}
	c.Breaker = BreakerSettings(c.Breaker.BreakerConfig())
	if c.Orchestrator.AttemptTimeout == 0 {
		c.Orchestrator.AttemptTimeout = 15 * time.Second
	}
	if c.Orchestrator.MaxAttempts == 0 {
		c.Orchestrator.MaxAttempts = 2
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.RedisPrefix == "" {
		c.Storage.RedisPrefix = "inferbill"
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 10m"
	}
	if c.Sweep.WindowRetention == 0 {
		c.Sweep.WindowRetention = time.Hour
	}
	if c.Sweep.ClaimRetention == 0 {
		c.Sweep.ClaimRetention = 24 * time.Hour
	}
	if c.Audit.Kafka.Topic == "" {
		c.Audit.Kafka.Topic = "inferbill.audit"
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("inferbill: config: at least one provider is required")
	}

	providers := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("inferbill: config: providers[%d]: name is required", i)
		}
		if providers[p.Name] {
			return fmt.Errorf("inferbill: config: duplicate provider %q", p.Name)
		}
		providers[p.Name] = true

		switch p.Kind {
		case ProviderKindOpenAICompat, ProviderKindGemini, ProviderKindMock:
		default:
			return fmt.Errorf("inferbill: config: providers[%d] (%s): invalid kind %q", i, p.Name, p.Kind)
		}
		if p.Kind == ProviderKindOpenAICompat && p.BaseURL == "" {
			return fmt.Errorf("inferbill: config: providers[%d] (%s): base_url is required", i, p.Name)
		}
		if p.RPS < 0 || p.Burst < 0 {
			return fmt.Errorf("inferbill: config: providers[%d] (%s): rps and burst must not be negative", i, p.Name)
		}
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("inferbill: config: at least one model is required")
	}
	models := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("inferbill: config: models[%d]: id is required", i)
		}
		if models[m.ID] {
			return fmt.Errorf("inferbill: config: duplicate model %q", m.ID)
		}
		models[m.ID] = true
		if !providers[m.Provider] {
			return fmt.Errorf("inferbill: config: models[%d] (%s): unknown provider %q", i, m.ID, m.Provider)
		}
		for _, t := range m.Transports {
			if t != TransportSync && t != TransportStream {
				return fmt.Errorf("inferbill: config: models[%d] (%s): invalid transport %q", i, m.ID, t)
			}
		}
		if m.InputPrice < 0 || m.OutputPrice < 0 {
			return fmt.Errorf("inferbill: config: models[%d] (%s): prices must not be negative", i, m.ID)
		}
	}

	if c.Billing.Fee != nil && *c.Billing.Fee < 0 {
		return fmt.Errorf("inferbill: config: billing.fee must not be negative")
	}
	if c.Billing.Precision != nil && *c.Billing.Precision < 0 {
		return fmt.Errorf("inferbill: config: billing.precision must not be negative")
	}
	for action, limit := range c.RateLimit.Actions {
		if limit < 0 {
			return fmt.Errorf("inferbill: config: rate_limit.actions[%s]: limit must not be negative", action)
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("inferbill: config: storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("inferbill: config: invalid storage.driver %q", c.Storage.Driver)
	}

	if c.Server.JWTSecret == "" {
		return fmt.Errorf("inferbill: config: server.jwt_secret is required")
	}

	return nil
}

// FeeDecimal returns the configured fee as a decimal.
func (c Config) FeeDecimal() decimal.Decimal {
	if c.Billing.Fee == nil {
		return decimal.RequireFromString("0.02")
	}
	return decimal.NewFromFloat(*c.Billing.Fee)
}

// PrecisionPlaces returns the configured money precision.
func (c Config) PrecisionPlaces() int32 {
	if c.Billing.Precision == nil {
		return 2
	}
	return *c.Billing.Precision
}

// Catalog builds a StaticCatalog from the configured models.
func (c Config) Catalog() (*StaticCatalog, error) {
	infos := make([]ModelInfo, 0, len(c.Models))
	for _, m := range c.Models {
		infos = append(infos, ModelInfo{
			ID:            m.ID,
			Provider:      m.Provider,
			UpstreamModel: m.UpstreamModel,
			Transports:    m.Transports,
			InputPrice:    decimal.NewFromFloat(m.InputPrice),
			OutputPrice:   decimal.NewFromFloat(m.OutputPrice),
		})
	}
	return NewStaticCatalog(infos...)
}
