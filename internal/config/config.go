// Package config provides configuration types and loading for replyhive.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Gateway  GatewayConfig  `json:"gateway"`
	Model    ModelConfig    `json:"model"`
	Provider ProviderConfig `json:"provider"`
	Session  SessionConfig  `json:"session"`
	Learning LearningConfig `json:"learning"`
	Export   ExportConfig   `json:"export"`
}

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ModelConfig groups LLM model settings.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// ProviderConfig contains settings for the LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// SessionConfig tunes the connection lifecycle.
type SessionConfig struct {
	FlushInterval time.Duration `json:"flushInterval" envconfig:"FLUSH_INTERVAL"`
	RestoreDelay  time.Duration `json:"restoreDelay" envconfig:"RESTORE_DELAY"`
}

// LearningConfig tunes the knowledge reconciler.
type LearningConfig struct {
	Enabled       bool          `json:"enabled" envconfig:"ENABLED"`
	Interval      time.Duration `json:"interval" envconfig:"INTERVAL"`
	Window        time.Duration `json:"window" envconfig:"WINDOW"`
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
}

// ExportConfig configures the optional Kafka audit stream.
type ExportConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string `json:"topic" envconfig:"KAFKA_TOPIC"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.replyhive",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18890,
		},
		Model: ModelConfig{
			Name:        "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Session: SessionConfig{
			FlushInterval: 3 * time.Second,
			RestoreDelay:  2 * time.Second,
		},
		Learning: LearningConfig{
			Enabled:       true,
			Interval:      time.Hour,
			Window:        24 * time.Hour,
			MaxConcurrent: 3,
		},
		Export: ExportConfig{
			Enabled: false,
			Topic:   "replyhive.audit",
		},
	}
}
