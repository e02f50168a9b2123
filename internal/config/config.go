package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "trustvault.yml"

// Config models trustvault.yml.
type Config struct {
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Dispute struct {
		FixedPenalty       int `yaml:"fixed_penalty"`
		PerFailedCriterion int `yaml:"per_failed_criterion"`
		ReleaseAbove       int `yaml:"release_above"`
		PartialAbove       int `yaml:"partial_above"`
	} `yaml:"dispute"`
	Authorization struct {
		Issuer   string `yaml:"issuer"`
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"authorization"`
	Arbiters      []string `yaml:"arbiters"`
	Notifications struct {
		PollInterval string    `yaml:"poll_interval"`
		Webhooks     []Webhook `yaml:"webhooks"`
		Kafka        struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"notifications"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type Webhook struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Enabled bool     `yaml:"enabled"`
}

var drivers = []string{"sqlite", "postgres", "redis"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tv config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the workspace has no file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !slices.Contains(drivers, c.Store.Driver) {
		return fmt.Errorf("config.store.driver must be one of %v", drivers)
	}
	if c.Store.Driver != "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("config.store.dsn is required for driver %s", c.Store.Driver)
	}
	d := c.Dispute
	if d.FixedPenalty < 0 || d.PerFailedCriterion < 0 {
		return fmt.Errorf("config.dispute penalties must not be negative")
	}
	if d.PartialAbove < 0 || d.ReleaseAbove > 100 || d.PartialAbove >= d.ReleaseAbove {
		return fmt.Errorf("config.dispute thresholds must satisfy 0 <= partial_above < release_above <= 100")
	}
	if _, err := c.TokenTTL(); err != nil {
		return fmt.Errorf("config.authorization.token_ttl: %w", err)
	}
	if _, err := c.PollInterval(); err != nil {
		return fmt.Errorf("config.notifications.poll_interval: %w", err)
	}
	for i, h := range c.Notifications.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if len(c.Notifications.Kafka.Brokers) > 0 && c.Notifications.Kafka.Topic == "" {
		return fmt.Errorf("config.notifications.kafka.topic is required when brokers are set")
	}
	return nil
}

func (c *Config) TokenTTL() (time.Duration, error) {
	if c.Authorization.TokenTTL == "" {
		return 15 * time.Minute, nil
	}
	return time.ParseDuration(c.Authorization.TokenTTL)
}

func (c *Config) PollInterval() (time.Duration, error) {
	if c.Notifications.PollInterval == "" {
		return 2 * time.Second, nil
	}
	return time.ParseDuration(c.Notifications.PollInterval)
}

// Path returns the config path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// DefaultYAML renders the default config file.
func DefaultYAML() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections fall back to the defaults.
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

const defaultTemplate = `store:
  driver: sqlite

dispute:
  fixed_penalty: 5
  per_failed_criterion: 25
  release_above: 80
  partial_above: 40

authorization:
  issuer: trustvault
  token_ttl: 15m

arbiters: []

notifications:
  poll_interval: 2s
  webhooks: []

server:
  addr: 127.0.0.1:8080
`
