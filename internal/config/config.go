package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models leadline.yml.
type Config struct {
	Generation struct {
		Provider          string `yaml:"provider"`
		Model             string `yaml:"model"`
		APIKeyEnv         string `yaml:"api_key_env"`
		BaseURL           string `yaml:"base_url"`
		RequestsPerMinute int    `yaml:"requests_per_minute"`
	} `yaml:"generation"`
	Media struct {
		Enabled       bool   `yaml:"enabled"`
		BaseURL       string `yaml:"base_url"`
		APIKeyEnv     string `yaml:"api_key_env"`
		PollSeconds   int    `yaml:"poll_seconds"`
		SubmitTimeout int    `yaml:"submit_timeout_seconds"`
	} `yaml:"media"`
	Pipeline struct {
		MaxRetries      int     `yaml:"max_retries"`
		BaseDelayMillis int     `yaml:"base_delay_ms"`
		Multiplier      float64 `yaml:"multiplier"`
		LockTTLSeconds  int     `yaml:"lock_ttl_seconds"`
	} `yaml:"pipeline"`
	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`
		AllowDevAuth bool   `yaml:"allow_dev_auth"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Default returns the baseline config.
func Default() *Config {
	c := &Config{}
	c.Generation.Provider = "gemini"
	c.Generation.Model = "gemini-2.0-flash"
	c.Generation.APIKeyEnv = "GEMINI_API_KEY"
	c.Generation.RequestsPerMinute = 30
	c.Media.Enabled = false
	c.Media.PollSeconds = 5
	c.Media.SubmitTimeout = 30
	c.Pipeline.MaxRetries = 2
	c.Pipeline.BaseDelayMillis = 1000
	c.Pipeline.Multiplier = 2
	c.Pipeline.LockTTLSeconds = 900
	c.Auth.AllowDevAuth = true
	return c
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Generation.Provider != "gemini" {
		return fmt.Errorf("config.generation.provider must be 'gemini'")
	}
	if c.Generation.Model == "" {
		return fmt.Errorf("config.generation.model is required")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("config.pipeline.max_retries must be >= 0")
	}
	if c.Pipeline.BaseDelayMillis < 0 {
		return fmt.Errorf("config.pipeline.base_delay_ms must be >= 0")
	}
	if c.Pipeline.Multiplier < 1 {
		return fmt.Errorf("config.pipeline.multiplier must be >= 1")
	}
	if c.Pipeline.LockTTLSeconds <= 0 {
		return fmt.Errorf("config.pipeline.lock_ttl_seconds must be > 0")
	}
	if c.Media.Enabled && c.Media.BaseURL == "" {
		return fmt.Errorf("config.media.base_url is required when media is enabled")
	}
	return nil
}

// RetryBaseDelay returns the configured backoff base delay.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Pipeline.BaseDelayMillis) * time.Millisecond
}

// LockTTL returns the lead lock time-to-live.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Pipeline.LockTTLSeconds) * time.Second
}

// GenerationAPIKey resolves the generation API key from the environment.
func (c *Config) GenerationAPIKey() string {
	env := c.Generation.APIKeyEnv
	if env == "" {
		env = "GEMINI_API_KEY"
	}
	return os.Getenv(env)
}

// MediaAPIKey resolves the media API key from the environment.
func (c *Config) MediaAPIKey() string {
	if c.Media.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Media.APIKeyEnv)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}
