package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/policy"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for oculum.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("oculum")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: OCULUM_DAEMON_MAX_SESSIONS
	viper.SetEnvPrefix("OCULUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".oculum"),
		"/etc/oculum",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "oculum"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment overrides.
// Array-valued keys (allowed_hosts, custom_rules) are file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("root")
	_ = viper.BindEnv("logging.level")
	_ = viper.BindEnv("logging.format")

	_ = viper.BindEnv("daemon.persist_sessions")
	_ = viper.BindEnv("daemon.persist_profile")
	_ = viper.BindEnv("daemon.max_sessions")
	_ = viper.BindEnv("daemon.retention.profile_max_age_hours")
	_ = viper.BindEnv("daemon.retention.profile_max_count")
	_ = viper.BindEnv("daemon.retention.artifact_prune_enabled")
	_ = viper.BindEnv("daemon.retention.artifact_max_age_hours")
	_ = viper.BindEnv("daemon.retention.artifact_max_count")
	_ = viper.BindEnv("daemon.retention.prune_interval_minutes")
	_ = viper.BindEnv("daemon.run_corpus.enabled")
	_ = viper.BindEnv("daemon.run_corpus.window_hours")
	_ = viper.BindEnv("daemon.run_corpus.refresh_interval_minutes")
	_ = viper.BindEnv("daemon.run_corpus.adaptation.enabled")

	_ = viper.BindEnv("policy.require_approval_for_high_risk")
	_ = viper.BindEnv("policy.credential_isolation")

	_ = viper.BindEnv("interceptor.max_retries")
	_ = viper.BindEnv("interceptor.backoff")
}

// hostPatternDecodeHook decodes a policy.HostPattern from either a bare
// string or a {regex: "..."} mapping, matching the YAML forms the policy
// schema accepts.
func hostPatternDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(policy.HostPattern{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return policy.HostPattern{Literal: v}, nil
		case map[string]any:
			regex, _ := v["regex"].(string)
			if regex == "" {
				return nil, fmt.Errorf("host pattern object must set 'regex'")
			}
			return policy.HostPattern{Regex: regex}, nil
		default:
			return data, nil
		}
	}
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration and applies defaults without
// validating, so CLI flags can override values first.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: run on env vars and defaults alone.
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		hostPatternDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or empty when running
// on environment variables alone.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
