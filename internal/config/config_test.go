package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadFromYAML(t *testing.T, content string) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "oculum.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	InitViper(path)

	cfg, err := LoadConfigRaw()
	if err != nil {
		t.Fatalf("LoadConfigRaw: %v", err)
	}
	return cfg
}

func TestConfig_Defaults(t *testing.T) {
	cfg := loadFromYAML(t, "")
	if cfg.Root != filepath.Join(".opta", "browser") {
		t.Errorf("unexpected default root: %q", cfg.Root)
	}
	if cfg.Daemon.MaxSessions != 4 {
		t.Errorf("unexpected default max sessions: %d", cfg.Daemon.MaxSessions)
	}
	if cfg.Interceptor.MaxRetries != 2 || cfg.Interceptor.Backoff != 250*time.Millisecond {
		t.Errorf("unexpected interceptor defaults: %+v", cfg.Interceptor)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestConfig_HostPatternsFromYAML(t *testing.T) {
	cfg := loadFromYAML(t, `
policy:
  require_approval_for_high_risk: true
  allowed_hosts:
    - "example.com"
    - "*.trusted.example"
    - regex: "^docs-[a-z]+\\.example\\.com$"
`)
	hosts := cfg.Policy.AllowedHosts
	if len(hosts) != 3 {
		t.Fatalf("expected 3 host patterns, got %d: %+v", len(hosts), hosts)
	}
	if hosts[0].Literal != "example.com" || hosts[1].Literal != "*.trusted.example" {
		t.Errorf("unexpected literal patterns: %+v", hosts[:2])
	}
	if hosts[2].Regex == "" {
		t.Errorf("expected regex pattern, got %+v", hosts[2])
	}
	if !cfg.Policy.RequireApprovalForHighRisk {
		t.Error("expected require_approval_for_high_risk true")
	}
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	cfg := loadFromYAML(t, `
logging:
  level: loud
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad log level")
	}

	cfg = loadFromYAML(t, `
policy:
  sensitive_actions: ["auth_submit", "nuke"]
`)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown sensitive action")
	}
}

func TestConfig_ValidConfigPasses(t *testing.T) {
	cfg := loadFromYAML(t, `
root: /tmp/opta-test/browser
daemon:
  persist_sessions: true
  max_sessions: 8
  run_corpus:
    enabled: true
    window_hours: 48
policy:
  credential_isolation: true
  allowed_hosts: ["*"]
interceptor:
  max_retries: 3
  backoff: 100ms
`)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if cfg.Daemon.RunCorpus.WindowHours != 48 {
		t.Errorf("nested run_corpus not decoded: %+v", cfg.Daemon.RunCorpus)
	}
	if cfg.Interceptor.Backoff != 100*time.Millisecond {
		t.Errorf("duration not decoded: %v", cfg.Interceptor.Backoff)
	}
}
