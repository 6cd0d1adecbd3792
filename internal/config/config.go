// Package config provides configuration management for upscalarr using
// Viper. It supports configuration from files, environment variables, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultChannelCapacity   = 4
	defaultHTTPTimeout       = 60 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryDelay        = 1 * time.Second
	defaultTelemetryInterval = 5 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Inference InferenceConfig `mapstructure:"inference"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PipelineConfig holds streaming-pipeline configuration.
type PipelineConfig struct {
	// ChannelCapacity is the bounded-channel size between stage workers.
	// Total in-flight frames are bounded by (stages+1)*capacity.
	ChannelCapacity int `mapstructure:"channel_capacity"`

	// SplitMicroStages expands eligible NN nodes into preprocess /
	// inference / postprocess stages.
	SplitMicroStages bool `mapstructure:"split_micro_stages"`

	// TensorPassthrough lets adjacent NN stages exchange tensors directly.
	TensorPassthrough bool `mapstructure:"tensor_passthrough"`
}

// InferenceConfig holds ONNX Runtime configuration.
type InferenceConfig struct {
	// Backend selects the execution provider: cuda, tensorrt, cpu.
	Backend string `mapstructure:"backend"`

	// ModelDir is the base directory for model files.
	ModelDir string `mapstructure:"model_dir"`

	// TRTCacheDir holds TensorRT engine caches.
	TRTCacheDir string `mapstructure:"trt_cache_dir"`

	// LibraryPath optionally points at a specific onnxruntime shared
	// library (empty = system default).
	LibraryPath string `mapstructure:"library_path"`
}

// HTTPConfig holds outbound HTTP client configuration (model downloads,
// HttpRequest nodes).
type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// TelemetryConfig holds debug telemetry configuration.
type TelemetryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with UPSCALARR_, with underscores for nesting.
// Example: UPSCALARR_PIPELINE_CHANNEL_CAPACITY=8.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/upscalarr")
		v.AddConfigPath("$HOME/.upscalarr")
	}

	v.SetEnvPrefix("UPSCALARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// Call before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Pipeline defaults
	v.SetDefault("pipeline.channel_capacity", defaultChannelCapacity)
	v.SetDefault("pipeline.split_micro_stages", true)
	v.SetDefault("pipeline.tensor_passthrough", false)

	// Inference defaults
	v.SetDefault("inference.backend", "cuda")
	v.SetDefault("inference.model_dir", "./models")
	v.SetDefault("inference.trt_cache_dir", "")
	v.SetDefault("inference.library_path", "")

	// HTTP client defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.interval", defaultTelemetryInterval)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Pipeline.ChannelCapacity < 1 {
		return fmt.Errorf("pipeline.channel_capacity must be at least 1")
	}

	validBackends := map[string]bool{"cuda": true, "tensorrt": true, "cpu": true}
	if !validBackends[c.Inference.Backend] {
		return fmt.Errorf("inference.backend must be one of: cuda, tensorrt, cpu")
	}
	if c.Inference.ModelDir == "" {
		return fmt.Errorf("inference.model_dir is required")
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be positive when telemetry is enabled")
	}
	return nil
}
