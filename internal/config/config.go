package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"localagent/internal/llm"
	"localagent/internal/policy"
)

// Config models localagent.yml.
type Config struct {
	Cache struct {
		MaxEntries int    `yaml:"max_entries"`
		Path       string `yaml:"path"`
	} `yaml:"cache"`
	Executor struct {
		TimeoutSeconds float64 `yaml:"timeout_seconds"`
		MaxOutputBytes int     `yaml:"max_output_bytes"`
		UseSandbox     bool    `yaml:"use_sandbox"`
	} `yaml:"executor"`
	Downstream struct {
		Provider       string  `yaml:"provider"`
		BaseURL        string  `yaml:"base_url"`
		Model          string  `yaml:"model"`
		APIKeyEnv      string  `yaml:"api_key_env"`
		TimeoutSeconds float64 `yaml:"timeout_seconds"`
		MaxTokens      int     `yaml:"max_tokens"`
	} `yaml:"downstream"`
	Queue struct {
		Capacity            int     `yaml:"capacity"`
		MaxRetries          int     `yaml:"max_retries"`
		RetryTimeoutSeconds float64 `yaml:"retry_timeout_seconds"`
		IntervalSeconds     float64 `yaml:"interval_seconds"`
	} `yaml:"queue"`
	Sessions struct {
		MaxIdleMinutes float64 `yaml:"max_idle_minutes"`
	} `yaml:"sessions"`
	Policies map[string]policy.Policy `yaml:"policies"`
	Webhooks []WebhookConfig          `yaml:"webhooks"`
}

// WebhookConfig forwards audit events to an HTTP endpoint. An empty
// Operations list forwards everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Operations     []string `yaml:"operations,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
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
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config.cache.max_entries must be positive")
	}
	if c.Executor.TimeoutSeconds <= 0 || c.Executor.TimeoutSeconds > 300 {
		return fmt.Errorf("config.executor.timeout_seconds must be in (0, 300]")
	}
	if c.Executor.MaxOutputBytes <= 0 {
		return fmt.Errorf("config.executor.max_output_bytes must be positive")
	}
	switch strings.ToLower(c.Downstream.Provider) {
	case llm.ProviderOllama, llm.ProviderOpenAI, llm.ProviderAnthropic:
	default:
		return fmt.Errorf("config.downstream.provider must be one of ollama, openai, anthropic")
	}
	if c.Downstream.Model == "" {
		return fmt.Errorf("config.downstream.model is required")
	}
	if c.Downstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.downstream.timeout_seconds must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("config.queue.capacity must be positive")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("config.queue.max_retries must be positive")
	}
	if c.Queue.RetryTimeoutSeconds < 0 {
		return fmt.Errorf("config.queue.retry_timeout_seconds must not be negative")
	}
	if c.Queue.IntervalSeconds <= 0 {
		return fmt.Errorf("config.queue.interval_seconds must be positive")
	}
	for id, p := range c.Policies {
		if id == "" {
			return fmt.Errorf("config.policies contains empty policy id")
		}
		switch p.Concurrency {
		case "", policy.Parallel, policy.Sequential:
		default:
			return fmt.Errorf("policy %s: concurrency must be parallel or sequential", id)
		}
		for _, tool := range p.AllowedTools {
			switch tool {
			case policy.ToolFileScanner, policy.ToolSummarizer, policy.ToolBashRunner, policy.ToolFetchDetail:
			default:
				return fmt.Errorf("policy %s allows unknown tool %s", id, tool)
			}
		}
	}
	if _, err := policy.New(c.Policies); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func (c *Config) ExecutorTimeout() time.Duration { return seconds(c.Executor.TimeoutSeconds) }
func (c *Config) DownstreamTimeout() time.Duration {
	return seconds(c.Downstream.TimeoutSeconds)
}
func (c *Config) RetryTimeout() time.Duration  { return seconds(c.Queue.RetryTimeoutSeconds) }
func (c *Config) QueueInterval() time.Duration { return seconds(c.Queue.IntervalSeconds) }
func (c *Config) SessionMaxIdle() time.Duration {
	return time.Duration(c.Sessions.MaxIdleMinutes * float64(time.Minute))
}

// LLM returns the downstream generator settings.
func (c *Config) LLM() llm.Config {
	return llm.Config{
		Provider:  c.Downstream.Provider,
		BaseURL:   c.Downstream.BaseURL,
		Model:     c.Downstream.Model,
		APIKeyEnv: c.Downstream.APIKeyEnv,
		Timeout:   c.DownstreamTimeout(),
		MaxTokens: c.Downstream.MaxTokens,
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "localagent.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses data over the defaults and validates the result.
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

const defaultTemplate = `cache:
  max_entries: 1000

executor:
  timeout_seconds: 10
  max_output_bytes: 10240
  use_sandbox: true

downstream:
  provider: ollama
  base_url: http://localhost:11434
  model: mistral:7b-instruct-q4_0
  timeout_seconds: 30
  max_tokens: 1024

queue:
  capacity: 100
  max_retries: 3
  retry_timeout_seconds: 300
  interval_seconds: 15

sessions:
  max_idle_minutes: 60

# Extra or overriding execution policies. Allow patterns are anchored at the
# start of the command; block patterns match anywhere.
# policies:
#   build:
#     allow: ["^just\\s"]
#     block: ["\\bdocker\\b"]

# Audit events can be forwarded to HTTP endpoints.
# webhooks:
#   - url: http://localhost:9000/audit
#     operations: [queue.expired, queue.dropped]
`
