package meshconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testYAML = `
Database:
  Host: localhost
  Port: 5432
  User: meshcore
  Password: meshcore
  DBName: meshcore
  SSLMode: disable
Redis:
  Host: localhost
  Port: 6379
  Password: ""
  DB: 0
Auth:
  LocalHMACSecret: test-secret
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshcore.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServiceName != "meshcore" {
		t.Errorf("ServiceName = %q, want meshcore", cfg.ServiceName)
	}
	if !cfg.Auth.LocalIssuerEnabled {
		t.Errorf("Auth.LocalIssuerEnabled = false, want true by default")
	}
	if !cfg.Auth.OIDCVerifyAudience {
		t.Errorf("Auth.OIDCVerifyAudience = false, want true by default")
	}
	if cfg.Auth.ClockSkewSeconds != 30 {
		t.Errorf("Auth.ClockSkewSeconds = %d, want 30", cfg.Auth.ClockSkewSeconds)
	}
	if cfg.Auth.AccessTokenLifetime != 15*time.Minute {
		t.Errorf("Auth.AccessTokenLifetime = %v, want 15m", cfg.Auth.AccessTokenLifetime)
	}
	if cfg.Auth.RefreshTokenLifetime != 168*time.Hour {
		t.Errorf("Auth.RefreshTokenLifetime = %v, want 168h", cfg.Auth.RefreshTokenLifetime)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.DlqTopicSuffix != ".dlq" {
		t.Errorf("Retry.DlqTopicSuffix = %q, want .dlq", cfg.Retry.DlqTopicSuffix)
	}
	if cfg.Breaker.FailureRateThreshold != 0.5 {
		t.Errorf("Breaker.FailureRateThreshold = %v, want 0.5", cfg.Breaker.FailureRateThreshold)
	}
	if cfg.Observability.AlertSweepInterval != 30*time.Second {
		t.Errorf("Observability.AlertSweepInterval = %v, want 30s", cfg.Observability.AlertSweepInterval)
	}
}

func TestLoadSeedsNamedCacheTTLs(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := []struct {
		name string
		l1   time.Duration
		l2   time.Duration
	}{
		{"user-info", 5 * time.Minute, 10 * time.Minute},
		{"user-by-id", 10 * time.Minute, 15 * time.Minute},
		{"all-users", 2 * time.Minute, 5 * time.Minute},
		{"user-roles", 15 * time.Minute, 30 * time.Minute},
		{"something-unnamed", 5 * time.Minute, 10 * time.Minute},
	}
	for _, tc := range cases {
		got := cfg.Cache.TTLFor(tc.name)
		if got.L1 != tc.l1 || got.L2 != tc.l2 {
			t.Errorf("TTLFor(%q) = {%v %v}, want {%v %v}", tc.name, got.L1, got.L2, tc.l1, tc.l2)
		}
		if got.L1 > got.L2 {
			t.Errorf("TTLFor(%q): L1 %v > L2 %v", tc.name, got.L1, got.L2)
		}
	}
}

func TestLoadHonorsEnvironmentOverrides(t *testing.T) {
	t.Setenv("MESHCORE_SERVICE_NAME", "orders-svc")
	t.Setenv("MESHCORE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("MESHCORE_AUTH_OIDC_VERIFY_AUDIENCE", "false")

	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServiceName != "orders-svc" {
		t.Errorf("ServiceName = %q, want orders-svc from the environment", cfg.ServiceName)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5 from the environment", cfg.Retry.MaxAttempts)
	}
	if cfg.Auth.OIDCVerifyAudience {
		t.Errorf("Auth.OIDCVerifyAudience = true, want false from the environment")
	}
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("Load on a missing file returned nil error")
	}
}
