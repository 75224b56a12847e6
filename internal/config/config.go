// Package config loads the settings bundle described in spec.md §6: proxy
// credentials, upstream client id/secret, sensor-data blob, image bucket
// name, dispatcher concurrency, retry bounds, and the account-lock TTLs.
// Non-secret structure comes from a YAML file; secrets are overlaid from
// the environment so they never need to sit in a checked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig mirrors internal/database.Config's shape so the settings
// file can describe the pool alongside everything else.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ProxyConfig describes the outbound proxy every upstream HTTP call is
// routed through (spec.md §6's "proxy URL + credentials").
type ProxyConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// UpstreamConfig describes the loyalty API client credentials and the
// account-wide sensor-data blob required by customer_login.
type UpstreamConfig struct {
	BaseURL             string        `yaml:"base_url"`
	ClientID            string        `yaml:"client_id"`
	ClientSecret        string        `yaml:"client_secret"`
	SensorData          string        `yaml:"sensor_data"`
	CircuitResetTimeout time.Duration `yaml:"circuit_reset_timeout"`
}

// RetryConfig mirrors the Retry Harness policy from spec.md §4.2.
type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// LockConfig carries the default TTLs from spec.md §4.3.
type LockConfig struct {
	RedemptionTTL time.Duration `yaml:"redemption_ttl"`
	CleanupTTL    time.Duration `yaml:"cleanup_ttl"`
}

// DispatcherConfig bounds the event dispatcher's worker concurrency and
// queue-read behavior.
type DispatcherConfig struct {
	MaxConcurrency    int           `yaml:"max_concurrency"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// SchedulerConfig controls the job scheduler's tick cadence and the
// interval its registered jobs run at.
type SchedulerConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	RefreshSweepInterval time.Duration `yaml:"refresh_sweep_interval"`
}

// CacheBusConfig configures the cross-process cache invalidation channel
// (SPEC_FULL.md A6). An empty Addr disables cross-process invalidation;
// each process still invalidates its own in-process cache directly.
type CacheBusConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	Channel  string `yaml:"channel"`
}

// AdminConfig configures the health/metrics HTTP surface (SPEC_FULL.md A8).
type AdminConfig struct {
	Port string `yaml:"port"`
}

// FeatureFlagConfig points at the boolean-oracle provider (spec.md §6).
type FeatureFlagConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full settings bundle.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Retry       RetryConfig       `yaml:"retry"`
	Lock        LockConfig        `yaml:"lock"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	CacheBus    CacheBusConfig    `yaml:"cache_bus"`
	Admin       AdminConfig       `yaml:"admin"`
	FeatureFlag FeatureFlagConfig `yaml:"feature_flag"`
	Logging     LoggingConfig     `yaml:"logging"`

	// ImageBucket is the object-store bucket SaveImage uploads into.
	ImageBucket string `yaml:"image_bucket"`
	Image       ImageConfig `yaml:"image"`
}

// ImageConfig points SaveImage at the catalog artwork CDN it downloads
// from and the object-store HTTP endpoint it re-uploads to.
type ImageConfig struct {
	CDNBaseURL   string `yaml:"cdn_base_url"`
	StoreBaseURL string `yaml:"store_base_url"`
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "maccas",
			Database:        "maccas",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Upstream: UpstreamConfig{
			CircuitResetTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			InitialBackoff: 100 * time.Millisecond,
			MaxAttempts:    5,
		},
		Lock: LockConfig{
			RedemptionTTL: 15 * time.Minute,
			CleanupTTL:    15 * time.Minute,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrency:    10,
			VisibilityTimeout: 300 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:         500 * time.Millisecond,
			RefreshSweepInterval: time.Minute,
		},
		CacheBus: CacheBusConfig{
			Channel: "offer-details-invalidate",
		},
		Admin: AdminConfig{
			Port: "9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path as YAML into Config, starting from defaults() and then
// applying environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromEnv overlays secrets and operator-tunable knobs that should never
// live in a checked-in YAML file.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("MACCAS_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("MACCAS_PROXY_PASSWORD"); v != "" {
		cfg.Proxy.Password = v
	}
	if v := os.Getenv("MACCAS_CLIENT_SECRET"); v != "" {
		cfg.Upstream.ClientSecret = v
	}
	if v := os.Getenv("MACCAS_REDIS_ADDR"); v != "" {
		cfg.CacheBus.Addr = v
	}
	if v := os.Getenv("MACCAS_DISPATCHER_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MACCAS_DISPATCHER_MAX_CONCURRENCY: %w", err)
		}
		cfg.Dispatcher.MaxConcurrency = n
	}
	return nil
}

// validate enforces the invariants the rest of the engine assumes hold.
func validate(cfg *Config) error {
	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Upstream.ClientID == "" {
		return fmt.Errorf("upstream client id is required")
	}
	if cfg.Dispatcher.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatcher max concurrency must be greater than 0")
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must be non-negative")
	}
	if cfg.Retry.InitialBackoff <= 0 {
		return fmt.Errorf("retry initial backoff must be greater than 0")
	}
	return nil
}
