// Package config loads and validates the pooler's YAML configuration,
// grounded on the teacher's internal/config/config.go (env-var
// substitution regex, Load/validate/applyDefaults shape), generalized
// from the teacher's single-tenant database config to pgpool's server
// list, limit rules, and failover/pipeline settings. Config hot-reload
// (the teacher's fsnotify-backed Watcher) is an explicit non-goal here;
// only Load survives.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dbbouncer/pgpool/internal/limits"
	"github.com/dbbouncer/pgpool/internal/servers"
)

// Config is the top-level pooler configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen" validate:"required"`
	Servers  []ServerConfig `yaml:"servers" validate:"required,min=1,dive"`
	Limits   []limits.Rule  `yaml:"limits" validate:"required,min=1,dive"`
	HBAFile  string         `yaml:"hba_file" validate:"required"`
	Users    UsersConfig    `yaml:"users"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Pool     PoolConfig     `yaml:"pool"`
	Failover FailoverConfig `yaml:"failover"`
}

// ListenConfig is where the supervisor binds.
type ListenConfig struct {
	Address       string `yaml:"address" validate:"required"`
	UnixSocketDir string `yaml:"unix_socket_dir"`
}

// ServerConfig is one configured backend descriptor.
type ServerConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Host    string `yaml:"host" validate:"required"`
	Port    int    `yaml:"port" validate:"required,gt=0"`
	Primary bool   `yaml:"primary"`
}

// UsersConfig points at the persisted credential store: a line-oriented
// users file of "username:base64(aes-256-cbc(password))" entries, and the
// master key file that decrypts them, per the persisted-state formats
// pgpool inherits from pgagroal's admin tool.
type UsersConfig struct {
	File          string `yaml:"file"`
	MasterKeyFile string `yaml:"master_key_file"`
}

// PipelineMode selects which client-facing dispatch strategy the
// supervisor wires up.
type PipelineMode string

const (
	PipelineSession     PipelineMode = "session"
	PipelineTransaction PipelineMode = "transaction"
)

// PipelineConfig selects session vs. transaction pooling.
type PipelineConfig struct {
	Mode PipelineMode `yaml:"mode" validate:"omitempty,oneof=session transaction"`
}

// PoolConfig governs the shared slot table's capacity and timers.
type PoolConfig struct {
	Capacity         int           `yaml:"capacity"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxConnectionAge time.Duration `yaml:"max_connection_age"`
	BlockingTimeout  time.Duration `yaml:"blocking_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// FailoverConfig governs the circuit breaker and external cutover script.
type FailoverConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ScriptPath       string        `yaml:"script_path"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ScriptTimeout    time.Duration `yaml:"script_timeout"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, exactly as the teacher's config loader does.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, env-substitutes, parses, defaults, and validates a YAML
// configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	if err := validateServers(cfg.Servers); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = "0.0.0.0:6432"
	}
	if cfg.Pool.Capacity == 0 {
		cfg.Pool.Capacity = 100
	}
	if cfg.Pool.BlockingTimeout == 0 {
		cfg.Pool.BlockingTimeout = 30 * time.Second
	}
	if cfg.Pool.SweepInterval == 0 {
		cfg.Pool.SweepInterval = 30 * time.Second
	}
	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = PipelineSession
	}
	if cfg.Failover.FailureThreshold == 0 {
		cfg.Failover.FailureThreshold = 3
	}
	if cfg.Failover.ProbeTimeout == 0 {
		cfg.Failover.ProbeTimeout = 2 * time.Second
	}
	if cfg.Failover.ScriptTimeout == 0 {
		cfg.Failover.ScriptTimeout = 30 * time.Second
	}
}

func validateServers(list []ServerConfig) error {
	seen := make(map[string]bool, len(list))
	primaries := 0
	for _, s := range list {
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("at most one server may be marked primary, found %d", primaries)
	}
	return nil
}

// ServerRegistry builds the runtime server registry from the configured
// server list, marking the configured primary (if any) NOTINIT_PRIMARY so
// servers.Registry.Primary() finds it as a fallback candidate ahead of an
// ordinary NOTINIT server until the first successful dial confirms it.
func (c *Config) ServerRegistry() *servers.Registry {
	list := make([]*servers.Server, len(c.Servers))
	for i, s := range c.Servers {
		state := servers.NotInit
		if s.Primary {
			state = servers.NotInitPrimary
		}
		list[i] = servers.New(s.Name, s.Host, s.Port, state)
	}
	return servers.NewRegistry(list)
}

// LimitSet builds the runtime limit-rule set from the configured rules,
// preserving declaration order (limits.Set.Find resolves specificity ties
// by first-declared-wins).
func (c *Config) LimitSet() *limits.Set {
	return limits.NewSet(c.Limits)
}
