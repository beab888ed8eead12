// Package config defines all configuration for the order-book replication
// daemon. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via L3BOOK_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"l3bookd/internal/bookerr"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Endpoints   EndpointsConfig   `mapstructure:"endpoints"`
	Product     ProductConfig     `mapstructure:"product"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Backoff     BackoffConfig     `mapstructure:"backoff"`
	Bootstrap   BootstrapConfig   `mapstructure:"bootstrap"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CredentialsConfig holds the exchange API key triple used to sign the WS
// subscribe frame. These are opaque primitives to this system: no key
// derivation or vault integration is performed here.
type CredentialsConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// EndpointsConfig holds the REST and WebSocket endpoints. TLSRootsFile is
// loaded from the file but is not passed to the WebSocket dialer, which
// always uses the system trust roots.
type EndpointsConfig struct {
	RESTBaseURL  string `mapstructure:"rest_base_url"`
	WSDomain     string `mapstructure:"ws_domain"`
	WSPort       int    `mapstructure:"ws_port"`
	TLSRootsFile string `mapstructure:"tls_roots_file"`
}

// ProductConfig names the single trading pair this process replicates.
type ProductConfig struct {
	ID string `mapstructure:"id"`
}

// RateLimitConfig configures the Token-Bucket Limiter that gates outbound
// REST requests and WS frame writes.
type RateLimitConfig struct {
	Capacity   int           `mapstructure:"capacity"`
	WaitPeriod time.Duration `mapstructure:"wait_period"`
}

// BackoffConfig configures the Backoff Bucket used to serialize snapshot
// refetches.
type BackoffConfig struct {
	MinWait time.Duration `mapstructure:"min_wait"`
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// BootstrapConfig configures the cache-then-snapshot-then-replay handshake.
type BootstrapConfig struct {
	CacheDelay time.Duration `mapstructure:"cache_delay"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: L3BOOK_API_KEY, L3BOOK_SECRET, L3BOOK_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("L3BOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("rate_limit.capacity", 10)
	v.SetDefault("rate_limit.wait_period", 100*time.Millisecond)
	v.SetDefault("backoff.min_wait", time.Second)
	v.SetDefault("backoff.max_wait", 30*time.Second)
	v.SetDefault("bootstrap.cache_delay", 5*time.Second)
	v.SetDefault("endpoints.rest_base_url", "https://api.exchange.coinbase.com")
	v.SetDefault("endpoints.ws_domain", "ws-direct.exchange.coinbase.com")
	v.SetDefault("endpoints.ws_port", 443)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("L3BOOK_API_KEY"); key != "" {
		cfg.Credentials.APIKey = key
	}
	if secret := os.Getenv("L3BOOK_SECRET"); secret != "" {
		cfg.Credentials.Secret = secret
	}
	if pass := os.Getenv("L3BOOK_PASSPHRASE"); pass != "" {
		cfg.Credentials.Passphrase = pass
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Credentials.APIKey == "" {
		return bookerr.New(bookerr.Unavailable, "credentials.api_key is required (set L3BOOK_API_KEY)")
	}
	if c.Credentials.Secret == "" {
		return bookerr.New(bookerr.Unavailable, "credentials.secret is required (set L3BOOK_SECRET)")
	}
	if c.Credentials.Passphrase == "" {
		return bookerr.New(bookerr.Unavailable, "credentials.passphrase is required (set L3BOOK_PASSPHRASE)")
	}
	if c.Product.ID == "" {
		return bookerr.New(bookerr.Unavailable, "product.id is required")
	}
	if c.Endpoints.WSDomain == "" {
		return bookerr.New(bookerr.Unavailable, "endpoints.ws_domain is required")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be > 0")
	}
	if c.RateLimit.WaitPeriod <= 0 {
		return fmt.Errorf("rate_limit.wait_period must be > 0")
	}
	if c.Backoff.MinWait <= 0 || c.Backoff.MaxWait < c.Backoff.MinWait {
		return fmt.Errorf("backoff.min_wait must be > 0 and <= backoff.max_wait")
	}
	if c.Bootstrap.CacheDelay <= 0 {
		return fmt.Errorf("bootstrap.cache_delay must be > 0")
	}
	return nil
}
