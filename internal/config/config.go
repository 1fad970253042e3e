package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RequeueManual = "manual"
	RequeueAuto   = "auto"

	BackendKeyword = "keyword"
	BackendNATS    = "nats"
)

// Config models labelflow.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		DevLogin               bool   `yaml:"dev_login"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Labeling struct {
		Backend        string              `yaml:"backend"`
		BatchSize      int                 `yaml:"batch_size"`
		MaxBatchSize   int                 `yaml:"max_batch_size"`
		Concurrency    int                 `yaml:"concurrency"`
		TimeoutSeconds int                 `yaml:"timeout_seconds"`
		NATSSubject    string              `yaml:"nats_subject"`
		Gazetteer      map[string][]string `yaml:"gazetteer"`
	} `yaml:"labeling"`
	Lifecycle struct {
		RequeueRejected string `yaml:"requeue_rejected"`
		PendingLimit    int    `yaml:"pending_limit"`
		SampleLimit     int    `yaml:"sample_limit"`
	} `yaml:"lifecycle"`
	Notify struct {
		NATSURL       string    `yaml:"nats_url"`
		SubjectPrefix string    `yaml:"subject_prefix"`
		ClientBuffer  int       `yaml:"client_buffer"`
		Webhooks      []Webhook `yaml:"webhooks"`
	} `yaml:"notify"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// LabelTimeout is the per-task labeling deadline.
func (c *Config) LabelTimeout() time.Duration {
	return time.Duration(c.Labeling.TimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Labeling.Backend {
	case BackendKeyword:
	case BackendNATS:
		if c.Notify.NATSURL == "" {
			return fmt.Errorf("config.notify.nats_url is required for labeling backend nats")
		}
		if c.Labeling.NATSSubject == "" {
			return fmt.Errorf("config.labeling.nats_subject is required for labeling backend nats")
		}
	default:
		return fmt.Errorf("config.labeling.backend must be one of keyword, nats")
	}
	if c.Labeling.BatchSize <= 0 {
		return fmt.Errorf("config.labeling.batch_size must be positive")
	}
	if c.Labeling.MaxBatchSize < c.Labeling.BatchSize {
		return fmt.Errorf("config.labeling.max_batch_size must be >= batch_size")
	}
	if c.Labeling.Concurrency <= 0 {
		return fmt.Errorf("config.labeling.concurrency must be positive")
	}
	if c.Labeling.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.labeling.timeout_seconds must be positive")
	}
	for class, terms := range c.Labeling.Gazetteer {
		if class == "" {
			return fmt.Errorf("config.labeling.gazetteer has empty class")
		}
		for _, term := range terms {
			if strings.TrimSpace(term) == "" {
				return fmt.Errorf("gazetteer class %s has empty term", class)
			}
		}
	}
	switch c.Lifecycle.RequeueRejected {
	case RequeueManual, RequeueAuto:
	default:
		return fmt.Errorf("config.lifecycle.requeue_rejected must be manual or auto")
	}
	if c.Lifecycle.PendingLimit <= 0 || c.Lifecycle.SampleLimit <= 0 {
		return fmt.Errorf("config.lifecycle limits must be positive")
	}
	if c.Notify.ClientBuffer <= 0 {
		return fmt.Errorf("config.notify.client_buffer must be positive")
	}
	seen := map[string]bool{}
	for i, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		if hook.ID == "" {
			return fmt.Errorf("config.notify.webhooks[%d].id is required", i)
		}
		if seen[hook.ID] {
			return fmt.Errorf("duplicate webhook id %s", hook.ID)
		}
		seen[hook.ID] = true
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "labelflow.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
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

// FromYAML parses raw YAML over the defaults and validates the result.
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
  base_path: /v0
  dev_login: false
  allow_legacy_actor_header: false

labeling:
  backend: keyword
  batch_size: 100
  max_batch_size: 1000
  concurrency: 4
  timeout_seconds: 30
  nats_subject: labelflow.autolabel
  gazetteer:
    LOC: [Paris, London, Berlin, Madrid, Rome, Tokyo, New York, France, Germany, Spain, Italy, Japan]
    ORG: [Google, Microsoft, Apple, Amazon, United Nations]
    PER: [Marie Curie, Albert Einstein, Ada Lovelace]

lifecycle:
  requeue_rejected: manual
  pending_limit: 50
  sample_limit: 10

notify:
  nats_url: ""
  subject_prefix: labelflow.events
  client_buffer: 64
  webhooks: []
`
