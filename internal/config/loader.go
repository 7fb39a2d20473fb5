package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName names the config file, env prefix and data directory.
const AppName = "kgextract"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "KGEXTRACT"

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("data_dir", gfconfig.GetAppDataDir(AppName))

	v.SetDefault("artifacts.backend", BackendFile)
	v.SetDefault("artifacts.root", "")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.force_path_style", false)

	v.SetDefault("batch.provider", "anthropic")
	v.SetDefault("batch.poll_interval", "30s")
	v.SetDefault("batch.max_wait", "24h")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.inference_attempts", 3)
	v.SetDefault("pipeline.compute_attempts", 2)
	v.SetDefault("pipeline.retry_delay", "2s")
	v.SetDefault("pipeline.escalation", []string{"standard", "standard", "escalated"})

	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("providers.anthropic.escalated_model", "claude-opus-4-1")
	v.SetDefault("providers.anthropic.max_tokens", 8192)
	v.SetDefault("providers.anthropic.timeout", "10m")
	v.SetDefault("providers.anthropic.rate_limit", 0)

	v.SetDefault("providers.gemini.api_key", "")
	v.SetDefault("providers.gemini.model", "gemini-2.5-flash")
	v.SetDefault("providers.gemini.escalated_model", "gemini-2.5-pro")
	v.SetDefault("providers.gemini.max_tokens", 8192)
	v.SetDefault("providers.gemini.timeout", "5m")
	v.SetDefault("providers.gemini.rate_limit", 0)

	v.SetDefault("pricing.input_per_mtok", 3.0)
	v.SetDefault("pricing.output_per_mtok", 15.0)
	v.SetDefault("pricing.batch_discount", 0.5)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// Provider API keys are also read from their conventional variables.
var envAliases = map[string][]string{
	"providers.anthropic.api_key": {"ANTHROPIC_API_KEY"},
	"providers.gemini.api_key":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// Load reads configuration without a config file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile reads configuration from path (optional), the environment and
// overrides, then stores the result for GetConfig.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s: %w", path, err)
			}
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var problems []string
	switch c.Artifacts.Backend {
	case BackendFile:
	case BackendS3:
		if c.Artifacts.S3.Bucket == "" {
			problems = append(problems, "artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("artifacts.backend %q is not file or s3", c.Artifacts.Backend))
	}
	switch c.Batch.Provider {
	case "anthropic", "file":
	default:
		problems = append(problems, fmt.Sprintf("batch.provider %q is not anthropic or file", c.Batch.Provider))
	}
	if c.Batch.PollInterval <= 0 {
		problems = append(problems, "batch.poll_interval must be positive")
	}
	if c.Pipeline.Workers < 1 {
		problems = append(problems, "pipeline.workers must be >= 1")
	}
	if c.Pipeline.InferenceAttempts < 1 || c.Pipeline.ComputeAttempts < 1 {
		problems = append(problems, "pipeline attempt budgets must be >= 1")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ArtifactRoot returns the file backend's directory.
func (c *Config) ArtifactRoot() string {
	if c.Artifacts.Root != "" {
		return c.Artifacts.Root
	}
	return filepath.Join(c.DataDir, "artifacts")
}
