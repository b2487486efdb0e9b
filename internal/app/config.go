package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (BRIDGE_ prefix), flags, or YAML config files.
type Config struct {
	Addr          string `default:"0.0.0.0:8080" usage:"Health server listen address"`
	DatabaseURL   string `usage:"PostgreSQL connection URL (BRIDGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RootKey       string `usage:"Base64 root encryption key, at least 32 bytes decoded (BRIDGE_ROOT_KEY)" flag:"root-key"`
	AutoProvision bool   `default:"true" usage:"Create tenants on first authentication with an unknown master key" flag:"auto-provision"`
	RateLimit     RateLimitConfig
	HTTPRateLimit HTTPRateLimitConfig
	CORS          CORSConfig
	Cache         CacheConfig
	Upstream      UpstreamConfig
	Mutation      MutationConfig
	Graceful      GracefulConfig
}

// RateLimitConfig controls the per-tenant token bucket gating upstream
// calls.
type RateLimitConfig struct {
	Capacity float64 `default:"10" usage:"Token bucket burst capacity per tenant"`
	Rate     float64 `default:"1"  usage:"Token refill rate per second"`
}

// HTTPRateLimitConfig controls the per-client sliding window on the HTTP
// surface, independent of the per-tenant upstream budget.
type HTTPRateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// CacheConfig controls read-through cache TTLs and background maintenance.
type CacheConfig struct {
	DefaultTTL      time.Duration `default:"60s" usage:"Cache TTL for resources without an override" flag:"default-ttl"`
	OrdersTTL       time.Duration `default:"15s" usage:"Cache TTL for orders" flag:"orders-ttl"`
	InventoryTTL    time.Duration `default:"60s" usage:"Cache TTL for inventory items" flag:"inventory-ttl"`
	StoreTTL        time.Duration `default:"1h" usage:"Cache TTL for store settings" flag:"store-ttl"`
	SweepInterval   time.Duration `default:"1m"  usage:"Interval between expired-entry sweeps" flag:"sweep-interval"`
	CleanupInterval time.Duration `default:"5m"  usage:"Interval between idle rate-limit bucket cleanups" flag:"cleanup-interval"`
}

// UpstreamConfig controls the OrderDesk API client.
type UpstreamConfig struct {
	BaseURL        string        `default:"https://app.orderdesk.me/api/v2" usage:"Upstream API base URL" flag:"upstream-url"`
	ConnectTimeout time.Duration `default:"15s" usage:"Upstream connect timeout" flag:"connect-timeout"`
	ReadTimeout    time.Duration `default:"60s" usage:"Upstream request timeout" flag:"read-timeout"`
	MaxRetries     int           `default:"3"   usage:"Attempts for retriable upstream failures" flag:"max-retries"`
}

// MutationConfig controls the fetch-merge-upload cycle.
type MutationConfig struct {
	MaxAttempts int `default:"5" usage:"Conflict retries per mutation" flag:"max-attempts"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "BRIDGE",
		Files:     []string{"config.yaml", "/etc/bridge/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set BRIDGE_DATABASE_URL or DATABASE_URL")
	}
	if cfg.RootKey == "" {
		return nil, errors.New("root encryption key is required: set BRIDGE_ROOT_KEY")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that
// use standard names like DATABASE_URL and PORT to the application's
// BRIDGE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
