package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
	Task     TaskConfig     `mapstructure:"task" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory stores.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// LLMConfig contains the generation provider settings.
type LLMConfig struct {
	Provider      string        `mapstructure:"provider" validate:"required,oneof=gemini openai"`
	Fallback      string        `mapstructure:"fallback" validate:"omitempty,oneof=none gemini openai"`
	GeminiAPIKey  string        `mapstructure:"gemini_api_key"`
	ModelName     string        `mapstructure:"model_name" validate:"required"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url" validate:"omitempty,url"`
	OpenAIModel   string        `mapstructure:"openai_model" validate:"required"`
	Temperature   float32       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	CallTimeout   time.Duration `mapstructure:"call_timeout" validate:"required,gt=0"`
}

// TaskConfig controls the orchestrator and its worker pool.
type TaskConfig struct {
	WorkerCount   int           `mapstructure:"worker_count" validate:"required,gte=1,lte=64"`
	QueueSize     int           `mapstructure:"queue_size" validate:"required,gte=1"`
	MaxAIRetries  int           `mapstructure:"max_ai_retries" validate:"gte=0,lte=2"`
	Deadline      time.Duration `mapstructure:"deadline" validate:"required,gt=0"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	StaleGrace    time.Duration `mapstructure:"stale_grace" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0"`
}

// QueueConfig selects how task IDs travel from submission to workers.
type QueueConfig struct {
	Backend  string `mapstructure:"backend" validate:"required,oneof=memory redis amqp"`
	Name     string `mapstructure:"name" validate:"required"`
	RedisURL string `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	AMQPURL  string `mapstructure:"amqp_url" validate:"required_if=Backend amqp"`
}

// StorageConfig controls where uploaded documents are kept.
type StorageConfig struct {
	UploadDir   string `mapstructure:"upload_dir" validate:"required"`
	MaxUploadMB int    `mapstructure:"max_upload_mb" validate:"gte=1,lte=50"`
}
