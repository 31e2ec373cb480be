package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models leasepool.yml.
type Config struct {
	Pool struct {
		HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
		HeartbeatTimeoutSeconds  int `yaml:"heartbeat_timeout_seconds"`
		ClaimAttempts            int `yaml:"claim_attempts"`
		ClaimBackoffMillis       int `yaml:"claim_backoff_ms"`
		MaxItemAttempts          int `yaml:"max_item_attempts"`
	} `yaml:"pool"`
	Server struct {
		Addr        string `yaml:"addr"`
		BasePath    string `yaml:"base_path"`
		RequireAuth bool   `yaml:"require_auth"`
	} `yaml:"server"`
	Runner struct {
		Command string `yaml:"command"`
	} `yaml:"runner"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// HeartbeatInterval is how often a working agent renews its lease.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Pool.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout is the staleness cutoff used by the sweep.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Pool.HeartbeatTimeoutSeconds) * time.Second
}

func (c *Config) ClaimBackoff() time.Duration {
	return time.Duration(c.Pool.ClaimBackoffMillis) * time.Millisecond
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with lp init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// applyEnv lets deployment scripts tune the pool without touching the file.
func (c *Config) applyEnv() {
	if v, ok := envInt("LEASEPOOL_HEARTBEAT_INTERVAL_SECONDS"); ok {
		c.Pool.HeartbeatIntervalSeconds = v
	}
	if v, ok := envInt("LEASEPOOL_HEARTBEAT_TIMEOUT_SECONDS"); ok {
		c.Pool.HeartbeatTimeoutSeconds = v
	}
	if v, ok := envInt("LEASEPOOL_MAX_ITEM_ATTEMPTS"); ok {
		c.Pool.MaxItemAttempts = v
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pool.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("config.pool.heartbeat_interval_seconds must be positive")
	}
	if c.Pool.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("config.pool.heartbeat_timeout_seconds must be positive")
	}
	if c.Pool.HeartbeatTimeoutSeconds <= c.Pool.HeartbeatIntervalSeconds {
		return fmt.Errorf("config.pool.heartbeat_timeout_seconds must exceed the heartbeat interval")
	}
	if c.Pool.ClaimAttempts < 1 {
		return fmt.Errorf("config.pool.claim_attempts must be at least 1")
	}
	if c.Pool.ClaimBackoffMillis < 0 {
		return fmt.Errorf("config.pool.claim_backoff_ms must not be negative")
	}
	if c.Pool.MaxItemAttempts < 0 {
		return fmt.Errorf("config.pool.max_item_attempts must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leasepool.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional falls back to defaults when no config file exists, so a
// fresh workspace works without an init step.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.applyEnv()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Environment
// overrides win over file values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pool:
  # Agents renew their lease every interval; the cleanup sweep reclaims
  # leases whose last renewal is older than the timeout.
  heartbeat_interval_seconds: 300
  heartbeat_timeout_seconds: 1800

  # Claim retries under contention before giving up.
  claim_attempts: 5
  claim_backoff_ms: 25

  # 0 keeps failed items cycling back to available with no cap. A positive
  # value parks an item as failed once it has been claimed that many times.
  max_item_attempts: 0

server:
  addr: ":8730"
  base_path: /v0
  # Off by default for pools on trusted hosts. Setting LEASEPOOL_JWT_SECRET
  # also turns enforcement on.
  require_auth: false

runner:
  # Command executed by lp run for each claimed item. The item is passed in
  # the WORK_ITEM_KEY, WORK_ITEM_PAYLOAD and WORK_ITEM_PRIORITY variables.
  command: ""

# webhooks:
#   - url: https://example.com/hooks/leasepool
#     secret: change-me
#     events: [item.claimed, item.completed, item.reclaimed]
#     timeout_seconds: 5
`
