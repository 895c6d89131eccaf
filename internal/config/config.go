package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a workspace.
const FileName = "switchyard.yml"

// Config models switchyard.yml.
type Config struct {
	// Root is the shared store directory every worker process points at.
	Root        string `yaml:"root"`
	Coordinator string `yaml:"coordinator"`
	Router      struct {
		DefaultTTL      time.Duration `yaml:"default_ttl"`
		MaxAttempts     int           `yaml:"max_attempts"`
		BackoffInitial  time.Duration `yaml:"backoff_initial"`
		BackoffMax      time.Duration `yaml:"backoff_max"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		BatchSize       int           `yaml:"batch_size"`
		FailedRetention time.Duration `yaml:"failed_retention"`
	} `yaml:"router"`
	Locks struct {
		StaleAfter   time.Duration `yaml:"stale_after"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"locks"`
	Tasks struct {
		// ReclaimAfter reverts active tasks older than this to pending.
		// Zero leaves crashed workers' tasks for manual release.
		ReclaimAfter time.Duration `yaml:"reclaim_after"`
		// BatchAssignedOnly keeps batch distribution to tasks reserved for
		// the requesting worker; unassigned tasks are left alone.
		BatchAssignedOnly bool `yaml:"batch_assigned_only"`
	} `yaml:"tasks"`
	Status struct {
		CacheTTL         time.Duration `yaml:"cache_ttl"`
		LivenessWindow   time.Duration `yaml:"liveness_window"`
		RecentMessages   int           `yaml:"recent_messages"`
		ThroughputWindow time.Duration `yaml:"throughput_window"`
	} `yaml:"status"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("config.root is required")
	}
	if strings.TrimSpace(c.Coordinator) == "" {
		return fmt.Errorf("config.coordinator is required")
	}
	if strings.ContainsAny(c.Coordinator, `/\`) {
		return fmt.Errorf("config.coordinator must be a plain worker id")
	}
	if c.Router.DefaultTTL < 0 {
		return fmt.Errorf("config.router.default_ttl must not be negative")
	}
	if c.Router.MaxAttempts < 1 {
		return fmt.Errorf("config.router.max_attempts must be at least 1")
	}
	if c.Router.BackoffInitial <= 0 || c.Router.BackoffMax < c.Router.BackoffInitial {
		return fmt.Errorf("config.router backoff must satisfy 0 < backoff_initial <= backoff_max")
	}
	if c.Router.PollInterval <= 0 {
		return fmt.Errorf("config.router.poll_interval must be positive")
	}
	if c.Router.BatchSize < 1 {
		return fmt.Errorf("config.router.batch_size must be at least 1")
	}
	if c.Locks.StaleAfter <= 0 {
		return fmt.Errorf("config.locks.stale_after must be positive")
	}
	if c.Locks.PollInterval <= 0 {
		return fmt.Errorf("config.locks.poll_interval must be positive")
	}
	if c.Tasks.ReclaimAfter < 0 {
		return fmt.Errorf("config.tasks.reclaim_after must not be negative")
	}
	if c.Status.CacheTTL < 0 || c.Status.LivenessWindow <= 0 || c.Status.ThroughputWindow <= 0 {
		return fmt.Errorf("config.status windows must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(root string) string {
	return fmt.Sprintf(defaultTemplate, root)
}

// Default returns the default Config rooted at root.
func Default(root string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(root))).Decode(&cfg)
	cfg.Root = root
	return &cfg
}

// Load reads config from the workspace, falling back to defaults rooted at
// <workspace>/.switchyard when no file exists. Relative roots resolve
// against the workspace.
func Load(workspace string) (*Config, error) {
	if workspace == "" {
		workspace = "."
	}
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Join(workspace, ".switchyard")), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(workspace, cfg.Root)
	}
	return cfg, nil
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `root: %s
coordinator: coordinator

router:
  default_ttl: 1h
  max_attempts: 5
  backoff_initial: 25ms
  backoff_max: 1s
  poll_interval: 500ms
  batch_size: 10
  failed_retention: 168h

locks:
  stale_after: 5m
  poll_interval: 100ms

tasks:
  reclaim_after: 0s
  batch_assigned_only: false

status:
  cache_ttl: 1s
  liveness_window: 30s
  recent_messages: 20
  throughput_window: 1h

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
`
