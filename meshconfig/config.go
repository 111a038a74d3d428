// Package meshconfig defines the hierarchical runtime configuration for
// the auth, messaging, cache, and resilience/observability cores,
// loaded with go-zero's conf loader and overridable via environment
// variables through the `env=` struct-tag convention.
package meshconfig

import (
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/conf"

	"github.com/growthmind/meshcore/third_party/cache"
	"github.com/growthmind/meshcore/third_party/database"
)

// AuthConfig selects which token providers run and how tokens are
// signed, verified, and aged.
type AuthConfig struct {
	LocalIssuerEnabled  bool   `json:",default=true,env=MESHCORE_AUTH_LOCAL_ISSUER_ENABLED"`
	LocalPublicKeyPath  string `json:",optional,env=MESHCORE_AUTH_LOCAL_PUBLIC_KEY_PATH"`
	LocalPrivateKeyPath string `json:",optional,env=MESHCORE_AUTH_LOCAL_PRIVATE_KEY_PATH"`
	LocalHMACSecret     string `json:",optional,env=MESHCORE_AUTH_LOCAL_HMAC_SECRET"`

	OIDCEnabled        bool   `json:",default=false,env=MESHCORE_AUTH_OIDC_ENABLED"`
	OIDCIssuerURI      string `json:",optional,env=MESHCORE_AUTH_OIDC_ISSUER_URI"`
	OIDCJWKSetURI      string `json:",optional,env=MESHCORE_AUTH_OIDC_JWK_SET_URI"`
	OIDCClientID       string `json:",optional,env=MESHCORE_AUTH_OIDC_CLIENT_ID"`
	OIDCVerifyAudience bool   `json:",default=true,env=MESHCORE_AUTH_OIDC_VERIFY_AUDIENCE"`

	ClockSkewSeconds int64 `json:",default=30,env=MESHCORE_AUTH_CLOCK_SKEW_SECONDS"`

	AccessTokenLifetime  time.Duration `json:",default=15m,env=MESHCORE_AUTH_ACCESS_LIFETIME"`
	RefreshTokenLifetime time.Duration `json:",default=168h,env=MESHCORE_AUTH_REFRESH_LIFETIME"`
	Issuer               string        `json:",default=meshcore,env=MESHCORE_AUTH_ISSUER"`
}

// RetryConfig carries the default retry policy for consumers and other
// retried I/O.
type RetryConfig struct {
	MaxAttempts     int           `json:",default=3,env=MESHCORE_RETRY_MAX_ATTEMPTS"`
	InitialBackoff  time.Duration `json:",default=200ms,env=MESHCORE_RETRY_INITIAL_BACKOFF"`
	MaxBackoff      time.Duration `json:",default=10s,env=MESHCORE_RETRY_MAX_BACKOFF"`
	Multiplier      float64       `json:",default=2.0,env=MESHCORE_RETRY_MULTIPLIER"`
	JitterFactor    float64       `json:",default=0.1,env=MESHCORE_RETRY_JITTER_FACTOR"`
	EnableDlq       bool          `json:",default=true,env=MESHCORE_RETRY_ENABLE_DLQ"`
	DlqTopicSuffix  string        `json:",default=.dlq,env=MESHCORE_RETRY_DLQ_TOPIC_SUFFIX"`
}

// CacheTTL holds the per-name L1/L2 TTL pair.
type CacheTTL struct {
	L1 time.Duration `json:",optional"`
	L2 time.Duration `json:",optional"`
}

// CacheConfig bounds the L1 tier and carries the per-name TTL pairs;
// DefaultTTL applies to any name not present in PerNameTTLs.
type CacheConfig struct {
	Enabled     bool                `json:",default=true,env=MESHCORE_CACHE_ENABLED"`
	L1MaxSize   int                 `json:",default=10000,env=MESHCORE_CACHE_L1_MAX_SIZE"`
	PerNameTTLs map[string]CacheTTL `json:",optional"`
	DefaultTTL  CacheTTL            `json:",optional"`
}

// DefaultCacheConfig returns the standard named TTL pairs.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:   true,
		L1MaxSize: 10000,
		PerNameTTLs: map[string]CacheTTL{
			"user-info":  {L1: 5 * time.Minute, L2: 10 * time.Minute},
			"user-by-id": {L1: 10 * time.Minute, L2: 15 * time.Minute},
			"all-users":  {L1: 2 * time.Minute, L2: 5 * time.Minute},
			"user-roles": {L1: 15 * time.Minute, L2: 30 * time.Minute},
		},
		DefaultTTL: CacheTTL{L1: 5 * time.Minute, L2: 10 * time.Minute},
	}
}

// TTLFor resolves the TTL pair for a cache name, falling back to DefaultTTL.
func (c CacheConfig) TTLFor(name string) CacheTTL {
	if ttl, ok := c.PerNameTTLs[name]; ok {
		return ttl
	}
	return c.DefaultTTL
}

// BreakerConfig carries the shared circuit-breaker policy.
type BreakerConfig struct {
	FailureRateThreshold float64       `json:",default=0.5,env=MESHCORE_BREAKER_FAILURE_RATE_THRESHOLD"`
	MinimumCalls         int           `json:",default=10,env=MESHCORE_BREAKER_MINIMUM_CALLS"`
	WindowSize           int           `json:",default=20,env=MESHCORE_BREAKER_WINDOW_SIZE"`
	OpenDuration         time.Duration `json:",default=30s,env=MESHCORE_BREAKER_OPEN_DURATION"`
	HalfOpenProbeBudget  int           `json:",default=1,env=MESHCORE_BREAKER_HALF_OPEN_PROBE_BUDGET"`
}

// ObservabilityConfig names the metrics prefix and paces the alert
// sweep.
type ObservabilityConfig struct {
	MetricsPrefix       string        `json:",default=meshcore,env=MESHCORE_OBSERVABILITY_METRICS_PREFIX"`
	AlertSweepInterval  time.Duration `json:",default=30s,env=MESHCORE_OBSERVABILITY_ALERT_SWEEP_INTERVAL"`
	MonitoredServices   []string      `json:",optional"`
}

// Config is the full hierarchical configuration for the shared runtime
// core. It carries only the four cores' groups; HTTP routing and other
// service-surface configuration live with the consuming service.
type Config struct {
	ServiceName string `json:",default=meshcore,env=MESHCORE_SERVICE_NAME"`

	Database database.PostgresConfig
	Redis    cache.RedisConfig

	Auth          AuthConfig
	Retry         RetryConfig
	Cache         CacheConfig
	Breaker       BreakerConfig
	Observability ObservabilityConfig
}

// Load reads a YAML configuration file and applies environment
// overrides.
func Load(path string) (Config, error) {
	var c Config
	if err := conf.Load(path, &c, conf.UseEnv()); err != nil {
		return Config{}, fmt.Errorf("meshconfig: load %s: %w", path, err)
	}
	if c.Cache.PerNameTTLs == nil {
		def := DefaultCacheConfig()
		c.Cache.PerNameTTLs = def.PerNameTTLs
		if c.Cache.DefaultTTL == (CacheTTL{}) {
			c.Cache.DefaultTTL = def.DefaultTTL
		}
	}
	return c, nil
}
