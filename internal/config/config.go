// Package config loads kgextract runtime configuration.
//
// Precedence, highest first: runtime overrides, KGEXTRACT_* environment
// variables, the YAML config file, built-in defaults.
package config

import (
	"time"

	"github.com/3leaps/kgextract/pkg/batch"
	"github.com/3leaps/kgextract/pkg/pipeline"
)

// Config is the full runtime configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	DataDir   string          `mapstructure:"data_dir"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Pricing   batch.Pricing   `mapstructure:"pricing"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Artifact backends.
const (
	BackendFile = "file"
	BackendS3   = "s3"
)

// ArtifactsConfig selects and configures the artifact store.
type ArtifactsConfig struct {
	Backend string `mapstructure:"backend"`

	// Root is the file backend's directory. Defaults to <data_dir>/artifacts.
	Root string   `mapstructure:"root"`
	S3   S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 artifact backend.
type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// BatchConfig configures batch runs.
type BatchConfig struct {
	// Provider is the default batch provider ("anthropic" or "file").
	Provider     string        `mapstructure:"provider"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// PipelineConfig configures per-item pipelines.
type PipelineConfig struct {
	Workers              int `mapstructure:"workers"`
	pipeline.RetryPolicy `mapstructure:",squash"`
}

// ProvidersConfig holds credentials and defaults per inference provider.
type ProvidersConfig struct {
	Anthropic ModelProviderConfig `mapstructure:"anthropic"`
	Gemini    ModelProviderConfig `mapstructure:"gemini"`
}

// ModelProviderConfig configures one inference provider.
type ModelProviderConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	EscalatedModel string        `mapstructure:"escalated_model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}
