package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cortexrun/agentcore/pool"
)

// Config is the on-disk configuration for the agentcored demo process.
type Config struct {
	Engine struct {
		Default      string `yaml:"default"`
		AnthropicKey string `yaml:"anthropic_api_key"`
		OpenAIKey    string `yaml:"openai_api_key"`
		Model        string `yaml:"model"`
		CLICommand   string `yaml:"cli_command"`
		CLIArgs      []string `yaml:"cli_args"`
	} `yaml:"engine"`

	Pool struct {
		MaxPoolSize              int           `yaml:"max_pool_size"`
		MaxIdleTime              time.Duration `yaml:"max_idle_time"`
		MaxSessionLifetime       time.Duration `yaml:"max_session_lifetime"`
		RateLimitTokensPerMinute float64       `yaml:"rate_limit_tokens_per_minute"`
	} `yaml:"pool"`

	Queue struct {
		MaxParallel int `yaml:"max_parallel"`
	} `yaml:"queue"`

	Bus struct {
		MaxHistory int `yaml:"max_history"`
	} `yaml:"bus"`
}

// DefaultConfig takes the pool package's defaults for pool size, idle time
// and session lifetime, and sets one parallel task, a rate limit of 60000
// tokens per minute and a bus history of 256 events (the bus package's own
// default history is 100, and the pool's rate limit is off by default).
func DefaultConfig() Config {
	var c Config
	c.Pool.MaxPoolSize = pool.DefaultMaxPoolSize
	c.Pool.MaxIdleTime = pool.DefaultMaxIdleTime
	c.Pool.MaxSessionLifetime = pool.DefaultMaxSessionLifetime
	c.Pool.RateLimitTokensPerMinute = 60000
	c.Queue.MaxParallel = 1
	c.Bus.MaxHistory = 256
	return c
}

// LoadConfig reads and parses a YAML config file at path, layering it over
// DefaultConfig. A missing path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("agentcored: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("agentcored: parse config: %w", err)
	}
	return cfg, nil
}
