package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models assessline.yml.
type Config struct {
	AI      AIConfig      `yaml:"ai" json:"ai"`
	Retry   RetryConfig   `yaml:"retry" json:"retry"`
	Workers WorkersConfig `yaml:"workers" json:"workers"`
	Poll    PollConfig    `yaml:"poll" json:"poll"`
	Indexer IndexerConfig `yaml:"indexer" json:"indexer"`
	Outbox  OutboxConfig  `yaml:"outbox" json:"outbox"`
}

type AIConfig struct {
	Provider          string        `yaml:"provider" json:"provider"`
	Model             string        `yaml:"model" json:"model"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens"`
	ValidationTemp    float64       `yaml:"validation_temperature" json:"validation_temperature"`
	QuestionTemp      float64       `yaml:"question_temperature" json:"question_temperature"`
	GenerateQuestions bool          `yaml:"generate_questions" json:"generate_questions"`
	CallTimeout       time.Duration `yaml:"call_timeout" json:"call_timeout"`
	UseBedrock        bool          `yaml:"use_bedrock" json:"use_bedrock"`
	BedrockRegion     string        `yaml:"bedrock_region" json:"bedrock_region,omitempty"`
	BedrockProfile    string        `yaml:"bedrock_profile" json:"bedrock_profile,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

type WorkersConfig struct {
	Requirements int           `yaml:"requirements" json:"requirements"`
	Sessions     int           `yaml:"sessions" json:"sessions"`
	RunLease     time.Duration `yaml:"run_lease" json:"run_lease"`
	// ResumeInterval is how often sessions left validating without a live
	// run lease are queued again.
	ResumeInterval time.Duration `yaml:"resume_interval" json:"resume_interval"`
}

type PollConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

type IndexerConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Token   string        `yaml:"token" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type OutboxConfig struct {
	Interval           time.Duration   `yaml:"interval" json:"interval"`
	BatchSize          int             `yaml:"batch_size" json:"batch_size"`
	MaxPublishAttempts int             `yaml:"max_publish_attempts" json:"max_publish_attempts"`
	Webhooks           []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with al config init", path)
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
	switch c.AI.Provider {
	case "anthropic", "none":
	default:
		return fmt.Errorf("config.ai.provider must be 'anthropic' or 'none'")
	}
	if c.AI.Provider == "anthropic" && strings.TrimSpace(c.AI.Model) == "" {
		return fmt.Errorf("config.ai.model is required")
	}
	if c.AI.MaxTokens <= 0 {
		return fmt.Errorf("config.ai.max_tokens must be positive")
	}
	if c.AI.ValidationTemp < 0 || c.AI.ValidationTemp > 1 {
		return fmt.Errorf("config.ai.validation_temperature must be within [0,1]")
	}
	if c.AI.QuestionTemp < 0 || c.AI.QuestionTemp > 1 {
		return fmt.Errorf("config.ai.question_temperature must be within [0,1]")
	}
	if c.AI.CallTimeout <= 0 {
		return fmt.Errorf("config.ai.call_timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("config.retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config.retry.max_delay must not be below base_delay")
	}
	if c.Workers.Requirements < 1 || c.Workers.Sessions < 1 {
		return fmt.Errorf("config.workers sizes must be at least 1")
	}
	if c.Workers.RunLease <= 0 {
		return fmt.Errorf("config.workers.run_lease must be positive")
	}
	if c.Workers.ResumeInterval <= 0 {
		return fmt.Errorf("config.workers.resume_interval must be positive")
	}
	if c.Poll.Interval <= 0 || c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("config.poll needs a positive interval and max_attempts")
	}
	if c.Outbox.Interval <= 0 || c.Outbox.BatchSize < 1 || c.Outbox.MaxPublishAttempts < 1 {
		return fmt.Errorf("config.outbox needs a positive interval, batch_size and max_publish_attempts")
	}
	for i, hook := range c.Outbox.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.outbox.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.outbox.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "assessline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
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

const defaultTemplate = `ai:
  provider: anthropic
  model: claude-sonnet-4-20250514
  max_tokens: 4096
  # low for verdicts, higher for auxiliary question generation
  validation_temperature: 0.1
  question_temperature: 0.7
  generate_questions: true
  call_timeout: 45s
  use_bedrock: false

retry:
  max_attempts: 3
  base_delay: 1s
  max_delay: 8s

workers:
  requirements: 4
  sessions: 2
  run_lease: 30m
  resume_interval: 1m

poll:
  interval: 3s
  max_attempts: 100

indexer:
  base_url: http://127.0.0.1:8090
  timeout: 15s

outbox:
  interval: 2s
  batch_size: 100
  max_publish_attempts: 10
`
