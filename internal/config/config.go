// Package config provides the configuration structure for the tts-gateway.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Validation errors.
var (
	ErrInvalidPort           = errors.New("server port must be between 1 and 65535")
	ErrMissingBackendURL     = errors.New("backend url is required")
	ErrInvalidFailurePolicy  = errors.New("failure policy must be auto, strict, or lenient")
	ErrMissingNATSURL        = errors.New("nats url is required when nats is enabled")
	ErrMissingJobsSubject    = errors.New("nats jobs subject is required when nats is enabled")
	ErrMissingAudioBucket    = errors.New("nats audio object store bucket is required when nats is enabled")
	ErrInvalidMaxChunkLength = errors.New("pipeline max chunk length must be positive")
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Address returns the host:port listen address.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BackendConfig holds the upstream synthesis service settings.
type BackendConfig struct {
	URL                    string `toml:"url"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	MaxRetries             int    `toml:"max_retries"`
	VerifySSL              bool   `toml:"verify_ssl"`
	UseDefaultInstructions bool   `toml:"use_default_instructions"`
}

// Timeout returns the per-request backend timeout.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PipelineConfig holds the splitting and fan-out settings.
type PipelineConfig struct {
	MaxChunkLength int    `toml:"max_chunk_length"`
	PreserveWords  bool   `toml:"preserve_words"`
	Workers        int    `toml:"workers"`
	ChunkRetries   int    `toml:"chunk_retries"`
	FailurePolicy  string `toml:"failure_policy"`
}

// CombineConfig holds the audio combination settings.
type CombineConfig struct {
	FFmpegPath string `toml:"ffmpeg_path"`
	Strict     bool   `toml:"strict"`
}

// NATSConfig holds the async job worker settings.
type NATSConfig struct {
	Enabled                bool   `toml:"enabled"`
	URL                    string `toml:"url"`
	JobsSubject            string `toml:"jobs_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Backend  BackendConfig  `toml:"backend"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Combine  CombineConfig  `toml:"combine"`
	NATS     NATSConfig     `toml:"nats"`
	Paths    PathsConfig    `toml:"paths"`
}

// Defaults.
const (
	defaultHost           = "0.0.0.0"
	defaultPort           = 8080
	defaultTimeoutSeconds = 90
	defaultMaxRetries     = 3
	defaultMaxChunkLength = 1000
	defaultWorkers        = 4
	defaultChunkRetries   = 1
	defaultFailurePolicy  = "auto"
	defaultLogsDir        = "/tmp/tts-gateway/logs"
)

// Load loads the configuration for the tts-gateway.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.applyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = defaultHost
	}

	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}

	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = defaultTimeoutSeconds
	}

	if c.Backend.MaxRetries <= 0 {
		c.Backend.MaxRetries = defaultMaxRetries
	}

	if c.Pipeline.MaxChunkLength == 0 {
		c.Pipeline.MaxChunkLength = defaultMaxChunkLength
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = defaultWorkers
	}

	if c.Pipeline.ChunkRetries < 0 {
		c.Pipeline.ChunkRetries = defaultChunkRetries
	}

	if c.Pipeline.FailurePolicy == "" {
		c.Pipeline.FailurePolicy = defaultFailurePolicy
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = defaultLogsDir
	}
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ErrInvalidPort
	}

	if c.Backend.URL == "" {
		return ErrMissingBackendURL
	}

	if c.Pipeline.MaxChunkLength <= 0 {
		return ErrInvalidMaxChunkLength
	}

	switch c.Pipeline.FailurePolicy {
	case "auto", "strict", "lenient":
	default:
		return ErrInvalidFailurePolicy
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return ErrMissingNATSURL
		}

		if c.NATS.JobsSubject == "" {
			return ErrMissingJobsSubject
		}

		if c.NATS.AudioObjectStoreBucket == "" {
			return ErrMissingAudioBucket
		}
	}

	return nil
}
