// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"council/internal/council"
)

// EndpointConfig describes an OpenAI-compatible chat completions endpoint
type EndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`
}

type Config struct {
	Council       []string                  `yaml:"council"`
	Chairman      string                    `yaml:"chairman"`
	MetaEvaluator string                    `yaml:"meta_evaluator,omitempty"`
	Endpoint      EndpointConfig            `yaml:"endpoint"`
	Endpoints     map[string]EndpointConfig `yaml:"endpoints,omitempty"` // per-model overrides
	Defaults      council.Options           `yaml:"defaults"`
	Thresholds    struct {
		EarlyExitConfidence float64 `yaml:"early_exit_confidence"`
		EarlyExitMargin     float64 `yaml:"early_exit_margin"`
		Consensus           float64 `yaml:"consensus"`
	} `yaml:"thresholds"`
	Retry struct {
		MaxRetries     int     `yaml:"max_retries"`
		InitialDelayMS int     `yaml:"initial_delay_ms"`
		Base           float64 `yaml:"base"`
		MaxDelayMS     int     `yaml:"max_delay_ms"`
		Jitter         float64 `yaml:"jitter"`
	} `yaml:"retry"`
	Circuit struct {
		FailureThreshold   int `yaml:"failure_threshold"`
		SuccessThreshold   int `yaml:"success_threshold"`
		OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`
	} `yaml:"circuit"`
	Timeouts struct {
		ConnectSeconds int `yaml:"connect_seconds"`
		RequestSeconds int `yaml:"request_seconds"`
	} `yaml:"timeouts"`
	Cache struct {
		Enabled    bool `yaml:"enabled"`
		Size       int  `yaml:"size"`
		TTLSeconds int  `yaml:"ttl_seconds"`
	} `yaml:"cache"`
	MaxConcurrency int `yaml:"max_concurrency"` // 0 means unlimited
	Store          struct {
		Path string `yaml:"path,omitempty"`
	} `yaml:"store"`
	Notify struct {
		WebhookURL string `yaml:"webhook_url,omitempty"`
	} `yaml:"notify"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file,omitempty"`
	} `yaml:"log"`
}

// Load reads the config from the default path. A missing file yields defaults.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config at path. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data, expanding environment variables first.
// The file is decoded over the numeric defaults, so an explicit zero such as
// max_retries: 0 is kept.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := baseConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := baseConfig()
	applyDefaults(cfg)
	return cfg
}

func baseConfig() *Config {
	cfg := &Config{}
	cfg.Defaults.DebateRounds = 1
	cfg.Defaults.SampleCount = 3
	cfg.Thresholds.EarlyExitConfidence = 9
	cfg.Thresholds.EarlyExitMargin = 2
	cfg.Thresholds.Consensus = 0.75
	cfg.Retry.MaxRetries = 3
	cfg.Retry.InitialDelayMS = 1000
	cfg.Retry.Base = 2
	cfg.Retry.MaxDelayMS = 30000
	cfg.Retry.Jitter = 0.25
	cfg.Circuit.FailureThreshold = 5
	cfg.Circuit.SuccessThreshold = 2
	cfg.Circuit.OpenTimeoutSeconds = 60
	cfg.Timeouts.ConnectSeconds = 10
	cfg.Timeouts.RequestSeconds = 120
	cfg.Cache.Size = 128
	cfg.Cache.TTLSeconds = 3600
	return cfg
}

// applyDefaults fills the settings that derive from others or from the
// environment. Numeric defaults live in baseConfig.
func applyDefaults(cfg *Config) {
	if len(cfg.Council) == 0 {
		cfg.Council = []string{
			"openai/gpt-4o",
			"anthropic/claude-3.5-sonnet",
			"google/gemini-pro-1.5",
			"x-ai/grok-2",
		}
	}
	if cfg.Chairman == "" {
		cfg.Chairman = cfg.Council[0]
	}
	if cfg.Endpoint.BaseURL == "" {
		cfg.Endpoint.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Endpoint.APIKey == "" {
		cfg.Endpoint.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.Defaults.VotingMethod == "" {
		cfg.Defaults.VotingMethod = council.VotingSimple
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:5970"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
}

// EndpointFor returns the endpoint a model should be queried through
func (c *Config) EndpointFor(model string) EndpointConfig {
	if ep, ok := c.Endpoints[model]; ok {
		if ep.BaseURL == "" {
			ep.BaseURL = c.Endpoint.BaseURL
		}
		if ep.APIKey == "" {
			ep.APIKey = c.Endpoint.APIKey
		}
		return ep
	}
	return c.Endpoint
}

func (c *Config) InitialDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
}

func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

func (c *Config) OpenTimeout() time.Duration {
	return time.Duration(c.Circuit.OpenTimeoutSeconds) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Timeouts.RequestSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// StorePath returns the results database path, defaulting under XDG_DATA_HOME
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "council", "results.db"), nil
}

func ConfigPath() string {
	configDir, _ := os.UserConfigDir()
	if configDir == "" {
		configDir = os.ExpandEnv("$HOME/.config")
	}
	return filepath.Join(configDir, "council", "config.yaml")
}
