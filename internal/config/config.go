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

// Config models mcpplane.yml.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		BasePath        string        `yaml:"base_path"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string              `yaml:"jwt_secret"`
		Disabled  bool                `yaml:"disabled"`
		Roles     map[string]RoleSpec `yaml:"roles"`
	} `yaml:"auth"`
	Webhook struct {
		Secret         string        `yaml:"secret"`
		IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
		Store          string        `yaml:"store"`
		SweepInterval  time.Duration `yaml:"sweep_interval"`
		Redis          RedisConfig   `yaml:"redis"`
	} `yaml:"webhook"`
	Review struct {
		ConfidenceThreshold int `yaml:"confidence_threshold"`
	} `yaml:"review"`
	Installations struct {
		HealthAlpha float64 `yaml:"health_alpha"`
	} `yaml:"installations"`
	Notify struct {
		URLs    []string      `yaml:"urls"`
		Secret  string        `yaml:"secret"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"notify"`
	Deployment DeploymentConfig `yaml:"deployment"`
	Logging    struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type RoleSpec struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DeploymentConfig struct {
	BuildRoot       string          `yaml:"build_root"`
	Manifest        string          `yaml:"manifest"`
	JobURL          string          `yaml:"job_url"`
	PollInterval    time.Duration   `yaml:"poll_interval"`
	MaxPollInterval time.Duration   `yaml:"max_poll_interval"`
	Timeout         time.Duration   `yaml:"timeout"`
	StallTimeout    time.Duration   `yaml:"stall_timeout"`
	SweepInterval   time.Duration   `yaml:"sweep_interval"`
	VerifyTimeout   time.Duration   `yaml:"verify_timeout"`
	Services        []ServiceTarget `yaml:"services"`
}

// ServiceTarget is an external service polled on /health and /stats after a deployment.
type ServiceTarget struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Require bool   `yaml:"require"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with mcpplane config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Review.ConfidenceThreshold < 0 || c.Review.ConfidenceThreshold > 100 {
		return fmt.Errorf("config.review.confidence_threshold must be within 0..100")
	}
	if c.Installations.HealthAlpha <= 0 || c.Installations.HealthAlpha > 1 {
		return fmt.Errorf("config.installations.health_alpha must be within (0,1]")
	}
	if c.Webhook.IdempotencyTTL <= 0 {
		return fmt.Errorf("config.webhook.idempotency_ttl must be positive")
	}
	switch c.Webhook.Store {
	case "memory", "sqlite":
	case "redis":
		if strings.TrimSpace(c.Webhook.Redis.Addr) == "" {
			return fmt.Errorf("config.webhook.redis.addr is required for store=redis")
		}
	default:
		return fmt.Errorf("config.webhook.store must be one of memory, sqlite, redis")
	}
	if c.Deployment.StallTimeout <= 0 {
		return fmt.Errorf("config.deployment.stall_timeout must be positive")
	}
	if c.Deployment.PollInterval <= 0 || c.Deployment.MaxPollInterval < c.Deployment.PollInterval {
		return fmt.Errorf("config.deployment.poll_interval must be positive and not exceed max_poll_interval")
	}
	for i, svc := range c.Deployment.Services {
		if svc.Name == "" || svc.URL == "" {
			return fmt.Errorf("config.deployment.services[%d] requires name and url", i)
		}
	}
	for roleID, role := range c.Auth.Roles {
		if roleID == "" {
			return fmt.Errorf("config.auth.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mcpplane.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Values absent
// from data keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  read_timeout: 15s
  write_timeout: 0s
  shutdown_timeout: 10s

database:
  workspace: .

auth:
  jwt_secret: ""
  disabled: false
  roles:
    operator:
      description: "Runs the control plane"
      permissions: [tasks.write, tasks.review, installations.manage, deployments.run, deployments.read]
    reviewer:
      description: "Reviews low-confidence task output"
      permissions: [tasks.write, tasks.review, deployments.read]
    agent:
      description: "Automated task executor"
      permissions: [tasks.write]
    viewer:
      description: "Read only"
      permissions: [deployments.read]

webhook:
  secret: ""
  idempotency_ttl: 1h
  store: sqlite
  sweep_interval: 1m
  redis:
    addr: ""
    db: 0
    key_prefix: "mcpplane:webhook:"

review:
  confidence_threshold: 80

installations:
  health_alpha: 0.2

notify:
  urls: []
  secret: ""
  timeout: 5s

deployment:
  build_root: builds
  manifest: ""
  job_url: ""
  poll_interval: 2s
  max_poll_interval: 15s
  timeout: 30m
  stall_timeout: 5m
  sweep_interval: 30s
  verify_timeout: 10s
  services: []

logging:
  level: info
`
