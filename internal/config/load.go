package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// TAILOR_TASK_DEADLINE overrides task.deadline.
const EnvPrefix = "TAILOR"

// defaults lists every key with its default. Registering every key lets
// viper's AutomaticEnv resolve environment overrides during Unmarshal.
var defaults = map[string]any{
	"server.port":      8080,
	"server.log_level": "info",

	"database.url":            "",
	"database.max_open_conns": 10,
	"database.auto_migrate":   true,

	"llm.provider":        "gemini",
	"llm.fallback":        "none",
	"llm.gemini_api_key":  "",
	"llm.model_name":      "gemini-2.0-flash",
	"llm.openai_api_key":  "",
	"llm.openai_base_url": "",
	"llm.openai_model":    "gpt-4o-mini",
	"llm.temperature":     0.2,
	"llm.call_timeout":    90 * time.Second,

	"task.worker_count":   4,
	"task.queue_size":     100,
	"task.max_ai_retries": 2,
	"task.deadline":       5 * time.Minute,
	"task.retry_delay":    500 * time.Millisecond,
	"task.stale_grace":    time.Minute,
	"task.sweep_interval": 30 * time.Second,

	"queue.backend":   "memory",
	"queue.name":      "tailor:tasks",
	"queue.redis_url": "",
	"queue.amqp_url":  "",

	"storage.upload_dir":    "./uploads",
	"storage.max_upload_mb": 10,
}

// Load configuration from environment variables and optionally a
// config.yaml in the working directory.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return load("")
}

// LoadFile is Load with an explicit configuration file.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules that tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := c.LLM.requireKey(c.LLM.Provider); err != nil {
		return err
	}
	if c.LLM.HasFallback() {
		if c.LLM.Fallback == c.LLM.Provider {
			return fmt.Errorf("config validation failed: llm.fallback must differ from llm.provider")
		}
		if err := c.LLM.requireKey(c.LLM.Fallback); err != nil {
			return err
		}
	}

	// Leave room for at least one retry inside the task deadline. An
	// attempt with a fallback can spend call_timeout on each provider.
	if c.LLM.HasFallback() {
		if 4*c.LLM.CallTimeout > c.Task.Deadline {
			return fmt.Errorf(
				"config validation failed: llm.call_timeout (%s) must be at most a quarter of task.deadline (%s) when llm.fallback is set",
				c.LLM.CallTimeout, c.Task.Deadline,
			)
		}
	} else if 2*c.LLM.CallTimeout > c.Task.Deadline {
		return fmt.Errorf(
			"config validation failed: llm.call_timeout (%s) must be at most half of task.deadline (%s)",
			c.LLM.CallTimeout, c.Task.Deadline,
		)
	}

	return nil
}

// HasFallback reports whether a fallback provider is configured.
func (l LLMConfig) HasFallback() bool {
	return l.Fallback != "" && l.Fallback != "none"
}

func (l LLMConfig) requireKey(provider string) error {
	switch provider {
	case "gemini":
		if l.GeminiAPIKey == "" {
			return fmt.Errorf("config validation failed: llm.gemini_api_key is required for provider gemini")
		}
	case "openai":
		if l.OpenAIAPIKey == "" {
			return fmt.Errorf("config validation failed: llm.openai_api_key is required for provider openai")
		}
	}
	return nil
}

// StaleAfter is how long a task may stay in processing before the sweep
// treats it as interrupted. It always exceeds the task deadline.
func (t TaskConfig) StaleAfter() time.Duration {
	return t.Deadline + t.StaleGrace
}
