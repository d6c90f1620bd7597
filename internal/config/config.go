package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete application configuration. Environment
// variables (prefix KEYGATE) take precedence over the optional YAML file.
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Storage      StorageConfig      `yaml:"storage" envconfig:"STORAGE"`
	Secrets      SecretsConfig      `yaml:"secrets" envconfig:"SECRETS"`
	License      LicenseConfig      `yaml:"license" envconfig:"LICENSE"`
	Security     SecurityConfig     `yaml:"security" envconfig:"SECURITY"`
	SignedLinks  SignedLinksConfig  `yaml:"signed_links" envconfig:"SIGNED_LINKS"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping" envconfig:"HOUSEKEEPING"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver      string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
	PostgresDSN string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	// CounterDriver is "memory" or "redis".
	CounterDriver string `yaml:"counter_driver" envconfig:"COUNTER_DRIVER" default:"memory"`
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB" default:"0"`
	// AuditSignedLinks persists issued links for auditing/single-use.
	AuditSignedLinks bool `yaml:"audit_signed_links" envconfig:"AUDIT_SIGNED_LINKS" default:"true"`
}

// SecretsConfig holds the signing secrets. Each concern gets its own
// secret; none is ever rotated implicitly by the core.
type SecretsConfig struct {
	KeyHash    string `yaml:"key_hash" envconfig:"KEY_HASH"`
	KeyLookup  string `yaml:"key_lookup" envconfig:"KEY_LOOKUP"`
	SignedLink string `yaml:"signed_link" envconfig:"SIGNED_LINK"`
	Csrf       string `yaml:"csrf" envconfig:"CSRF"`
}

// LicenseConfig tunes the lifecycle and ledger.
type LicenseConfig struct {
	DefaultMaxActivations int           `yaml:"default_max_activations" envconfig:"DEFAULT_MAX_ACTIVATIONS" default:"0"`
	GracePeriod           time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD" default:"336h"`
	DeveloperDomains      []string      `yaml:"developer_domains" envconfig:"DEVELOPER_DOMAINS"`
}

// SecurityConfig tunes the guard and anti-forgery tokens.
type SecurityConfig struct {
	RateLimit              int           `yaml:"rate_limit" envconfig:"RATE_LIMIT" default:"60"`
	RateWindow             time.Duration `yaml:"rate_window" envconfig:"RATE_WINDOW" default:"1m"`
	FailedAttemptThreshold int           `yaml:"failed_attempt_threshold" envconfig:"FAILED_ATTEMPT_THRESHOLD" default:"10"`
	BlockDuration          time.Duration `yaml:"block_duration" envconfig:"BLOCK_DURATION" default:"1h"`
	AllowPrivateNetworks   bool          `yaml:"allow_private_networks" envconfig:"ALLOW_PRIVATE_NETWORKS" default:"false"`
	CsrfTTL                time.Duration `yaml:"csrf_ttl" envconfig:"CSRF_TTL" default:"12h"`
	// TransportRPS/Burst feed the token-bucket limiter in front of the
	// router, distinct from the guard's per-identity fixed windows.
	TransportRPS   float64 `yaml:"transport_rps" envconfig:"TRANSPORT_RPS" default:"100"`
	TransportBurst int     `yaml:"transport_burst" envconfig:"TRANSPORT_BURST" default:"50"`
}

// SignedLinksConfig tunes download-link issuance.
type SignedLinksConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" envconfig:"DEFAULT_TTL" default:"15m"`
	// SingleUsePurposes lists purposes whose links are one-shot; all
	// others stay reusable within TTL.
	SingleUsePurposes []string `yaml:"single_use_purposes" envconfig:"SINGLE_USE_PURPOSES"`
}

// HousekeepingConfig drives the in-process cleanup ticker.
type HousekeepingConfig struct {
	Enabled                 bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	Interval                time.Duration `yaml:"interval" envconfig:"INTERVAL" default:"1h"`
	ActivationRetentionDays int           `yaml:"activation_retention_days" envconfig:"ACTIVATION_RETENTION_DAYS" default:"90"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keygate.log"`
}

// Load reads the optional YAML file named by KEYGATE_CONFIG_FILE (or
// config.yaml when present), then overlays environment variables, then
// validates.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("KEYGATE_CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres driver requires a DSN")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Storage.CounterDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown counter driver %q", c.Storage.CounterDriver)
	}
	for name, secret := range map[string]string{
		"secrets.key_hash":    c.Secrets.KeyHash,
		"secrets.signed_link": c.Secrets.SignedLink,
		"secrets.csrf":        c.Secrets.Csrf,
	} {
		if len(secret) < 16 {
			return fmt.Errorf("%s must be at least 16 bytes", name)
		}
	}
	if c.Security.FailedAttemptThreshold <= 0 {
		return fmt.Errorf("failed attempt threshold must be positive")
	}
	return nil
}
