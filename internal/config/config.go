package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models warden.yml.
type Config struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	Tokens struct {
		MinTTLMinutes int `yaml:"min_ttl_minutes"`
		MaxTTLMinutes int `yaml:"max_ttl_minutes"`
	} `yaml:"tokens"`

	// Roles maps a role name to the scopes it may be granted and the sandbox
	// profile its agents run under.
	Roles map[string]Role `yaml:"roles"`

	Monitor struct {
		IntervalSeconds     int     `yaml:"interval_seconds"`
		ProbeTimeoutSeconds int     `yaml:"probe_timeout_seconds"`
		MaxIdleMinutes      int     `yaml:"max_idle_minutes"`
		MaxRuntimeMinutes   int     `yaml:"max_runtime_minutes"`
		BusyCPUThreshold    float64 `yaml:"busy_cpu_threshold"`
		BusyMemThreshold    float64 `yaml:"busy_mem_threshold"`
		TokenTTLMinutes     int     `yaml:"token_ttl_minutes"`
	} `yaml:"monitor"`
}

// Interval is the monitoring loop period.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

// ProbeTimeout bounds a single health or stats poll, independent of the
// monitoring interval.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Monitor.ProbeTimeoutSeconds) * time.Second
}

// MaxIdle is how long an agent may stay idle before suspension.
func (c *Config) MaxIdle() time.Duration {
	return time.Duration(c.Monitor.MaxIdleMinutes) * time.Minute
}

// MaxRuntime is the hard runtime ceiling before forced termination.
func (c *Config) MaxRuntime() time.Duration {
	return time.Duration(c.Monitor.MaxRuntimeMinutes) * time.Minute
}

// AgentTokenTTL is the TTL the orchestrator requests when minting an agent
// token. The authority clamps it to its own ceiling.
func (c *Config) AgentTokenTTL() time.Duration {
	return time.Duration(c.Monitor.TokenTTLMinutes) * time.Minute
}

// Role couples a scope allow-list with a sandbox profile.
type Role struct {
	Scopes  []string `yaml:"scopes"`
	Sandbox Sandbox  `yaml:"sandbox"`
	// MinScopes are the scopes an agent of this role cannot operate without;
	// spawn refuses tokens that do not cover them.
	MinScopes []string `yaml:"min_scopes"`
}

// Sandbox is the per-role container profile.
type Sandbox struct {
	Image       string  `yaml:"image"`
	Port        int     `yaml:"port"`
	CPUCores    float64 `yaml:"cpu_cores"`
	MemoryBytes int64   `yaml:"memory_bytes"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with warden config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("config.issuer is required")
	}
	if c.Audience == "" {
		return fmt.Errorf("config.audience is required")
	}
	if c.Tokens.MinTTLMinutes < 1 {
		return fmt.Errorf("config.tokens.min_ttl_minutes must be positive")
	}
	if c.Tokens.MaxTTLMinutes < c.Tokens.MinTTLMinutes {
		return fmt.Errorf("config.tokens.max_ttl_minutes must be >= min_ttl_minutes")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for name, role := range c.Roles {
		if name == "" {
			return fmt.Errorf("config.roles contains empty role name")
		}
		if len(role.Scopes) == 0 {
			return fmt.Errorf("role %s has no scopes", name)
		}
		for _, s := range role.Scopes {
			if s == "" {
				return fmt.Errorf("role %s has empty scope", name)
			}
		}
		for _, s := range role.MinScopes {
			if !contains(role.Scopes, s) {
				return fmt.Errorf("role %s min scope %s not in its scope allow-list", name, s)
			}
		}
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("config.monitor.interval_seconds must be positive")
	}
	if c.Monitor.ProbeTimeoutSeconds <= 0 || c.Monitor.ProbeTimeoutSeconds >= c.Monitor.IntervalSeconds {
		return fmt.Errorf("config.monitor.probe_timeout_seconds must be positive and shorter than the interval")
	}
	if c.Monitor.MaxIdleMinutes <= 0 || c.Monitor.MaxRuntimeMinutes <= 0 {
		return fmt.Errorf("config.monitor.max_idle_minutes and max_runtime_minutes must be positive")
	}
	if c.Monitor.TokenTTLMinutes <= 0 {
		return fmt.Errorf("config.monitor.token_ttl_minutes must be positive")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ScopesForRole returns the allow-listed scopes for a role, or nil when the
// role is unknown.
func (c *Config) ScopesForRole(role string) []string {
	r, ok := c.Roles[role]
	if !ok {
		return nil
	}
	out := make([]string, len(r.Scopes))
	copy(out, r.Scopes)
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "warden.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `issuer: warden
audience: agent-platform

tokens:
  min_ttl_minutes: 5
  max_ttl_minutes: 60

roles:
  founder:
    scopes: [ai:reasoning, ai:analysis, ai:writing, tenant:config:write, tenant:metrics:read]
    min_scopes: [ai:reasoning]
    sandbox:
      image: agents/founder:latest
      port: 8081
      cpu_cores: 2
      memory_bytes: 2147483648
  developer:
    scopes: [repo:write, pipeline:write, workitem:write, ai:high]
    min_scopes: [repo:write]
    sandbox:
      image: agents/developer:latest
      port: 8082
      cpu_cores: 4
      memory_bytes: 4294967296
  ops:
    scopes: [pipeline:manage, serviceconnection:create, agentpool:manage, monitoring:write]
    min_scopes: [pipeline:manage]
    sandbox:
      image: agents/ops:latest
      port: 8083
      cpu_cores: 2
      memory_bytes: 2147483648
  security:
    scopes: [security:scan, compliance:validate, policy:enforce]
    min_scopes: [security:scan]
    sandbox:
      image: agents/security:latest
      port: 8084
      cpu_cores: 2
      memory_bytes: 2147483648
  finance:
    scopes: [cost:tracking:write, budget:read, usage:read]
    min_scopes: [budget:read]
    sandbox:
      image: agents/finance:latest
      port: 8085
      cpu_cores: 1
      memory_bytes: 1073741824

monitor:
  interval_seconds: 30
  probe_timeout_seconds: 5
  max_idle_minutes: 60
  max_runtime_minutes: 480
  busy_cpu_threshold: 10
  busy_mem_threshold: 50
  token_ttl_minutes: 480
`
