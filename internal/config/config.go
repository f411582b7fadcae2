// Package config provides the file-based configuration schema for the
// oculumd control plane: daemon lifecycle options, the browser policy, the
// interceptor retry loop, and logging.
//
// Configuration is intentionally file-first: a single oculum.yaml (plus
// OCULUM_-prefixed environment overrides) configures everything. There is
// no remote configuration surface.
package config

import (
	"path/filepath"
	"time"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/daemon"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/policy"
)

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is text or json.
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// DaemonConfig configures the runtime daemon.
type DaemonConfig struct {
	PersistSessions bool `yaml:"persistSessions" mapstructure:"persist_sessions"`
	PersistProfile  bool `yaml:"persistProfile" mapstructure:"persist_profile"`

	// MaxSessions caps concurrently open browser sessions.
	MaxSessions int `yaml:"maxSessions" mapstructure:"max_sessions" validate:"gte=0,lte=64"`

	Retention daemon.RetentionConfig `yaml:"retention" mapstructure:"retention"`
	RunCorpus daemon.RunCorpusConfig `yaml:"runCorpus" mapstructure:"run_corpus"`
}

// InterceptorConfig configures the per-call retry loop.
type InterceptorConfig struct {
	MaxRetries int           `yaml:"maxRetries" mapstructure:"max_retries" validate:"gte=0,lte=10"`
	Backoff    time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// Config is the top-level configuration for oculumd.
type Config struct {
	// Root is the data directory for all durable state.
	Root string `yaml:"root" mapstructure:"root"`

	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Daemon      DaemonConfig      `yaml:"daemon" mapstructure:"daemon"`
	Policy      policy.Config     `yaml:"policy" mapstructure:"policy"`
	Interceptor InterceptorConfig `yaml:"interceptor" mapstructure:"interceptor"`
}

// SetDefaults fills unset optional values.
func (c *Config) SetDefaults() {
	if c.Root == "" {
		c.Root = filepath.Join(".opta", "browser")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Daemon.MaxSessions == 0 {
		c.Daemon.MaxSessions = 4
	}
	if c.Interceptor.MaxRetries == 0 {
		c.Interceptor.MaxRetries = 2
	}
	if c.Interceptor.Backoff == 0 {
		c.Interceptor.Backoff = 250 * time.Millisecond
	}
}

// DaemonOptions converts the configuration into daemon.Options.
func (c *Config) DaemonOptions() daemon.Options {
	return daemon.Options{
		Root:            c.Root,
		PersistSessions: c.Daemon.PersistSessions,
		PersistProfile:  c.Daemon.PersistProfile,
		MaxSessions:     c.Daemon.MaxSessions,
		Retention:       c.Daemon.Retention,
		RunCorpus:       c.Daemon.RunCorpus,
	}
}
