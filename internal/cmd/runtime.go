package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/kgextract/internal/config"
	"github.com/3leaps/kgextract/internal/observability"
	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/artifact/s3"
	"github.com/3leaps/kgextract/pkg/batch"
	"github.com/3leaps/kgextract/pkg/jobdef"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/provider/anthropic"
	"github.com/3leaps/kgextract/pkg/provider/file"
	"github.com/3leaps/kgextract/pkg/provider/gemini"
)

// openStore opens the configured artifact store.
func openStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case config.BackendS3:
		c := cfg.Artifacts.S3
		return s3.New(ctx, s3.Config{
			Bucket:         c.Bucket,
			Prefix:         c.Prefix,
			Region:         c.Region,
			Endpoint:       c.Endpoint,
			Profile:        c.Profile,
			ForcePathStyle: c.ForcePathStyle,
		})
	default:
		return artifact.NewFileStore(cfg.ArtifactRoot())
	}
}

// loadJob loads a job definition and maps failures to exit codes.
func loadJob(path string) (*jobdef.Definition, error) {
	def, err := jobdef.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, exitError(ExitFileNotFound, "Job definition not found", err)
		}
		observability.CLILogger.Error("Failed to load job definition",
			zap.String("path", path),
			zap.Error(err))
		return nil, exitError(ExitInvalidArgument, "Invalid job definition", err)
	}
	observability.CLILogger.Debug("Loaded job definition",
		zap.String("path", path),
		zap.String("job_type", def.JobType))
	return def, nil
}

func newAnthropic(cfg config.ModelProviderConfig) (*anthropic.Provider, error) {
	return anthropic.New(anthropic.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
	})
}

// syncProvider builds the standard-tier sync provider for name.
func syncProvider(ctx context.Context, cfg *config.Config, name string) (provider.SyncProvider, error) {
	switch name {
	case anthropic.Name:
		return newAnthropic(cfg.Providers.Anthropic)
	case gemini.Name:
		c := cfg.Providers.Gemini
		return gemini.New(ctx, gemini.Config{APIKey: c.APIKey, Model: c.Model, Timeout: c.Timeout})
	default:
		return nil, fmt.Errorf("unknown inference provider %q", name)
	}
}

// batchProvider builds the batch provider named by the job definition.
// The file provider executes requests locally through the anthropic sync
// client.
func batchProvider(ctx context.Context, cfg *config.Config, name string) (provider.BatchProvider, error) {
	switch name {
	case anthropic.Name:
		return newAnthropic(cfg.Providers.Anthropic)
	case file.Name:
		exec, err := syncProvider(ctx, cfg, anthropic.Name)
		if err != nil {
			return nil, err
		}
		exec = provider.RateLimited(exec, cfg.Providers.Anthropic.RateLimit, 1)
		return file.New(file.Config{
			BaseDir:  filepath.Join(cfg.DataDir, "local-batches"),
			Executor: exec,
		})
	default:
		return nil, fmt.Errorf("unknown batch provider %q", name)
	}
}

// tierSet builds the standard and escalated tiers on one inference provider.
func tierSet(ctx context.Context, cfg *config.Config, name string) (*provider.TierSet, error) {
	var (
		std, esc   provider.SyncProvider
		stdM, escM string
		rps        float64
	)
	switch name {
	case anthropic.Name:
		c := cfg.Providers.Anthropic
		p, err := newAnthropic(c)
		if err != nil {
			return nil, err
		}
		std, esc = p, p.WithModel(c.EscalatedModel)
		stdM, escM, rps = c.Model, c.EscalatedModel, c.RateLimit
	case gemini.Name:
		c := cfg.Providers.Gemini
		p, err := gemini.New(ctx, gemini.Config{APIKey: c.APIKey, Model: c.Model, Timeout: c.Timeout})
		if err != nil {
			return nil, err
		}
		std, esc = p, p.WithModel(c.EscalatedModel)
		stdM, escM, rps = c.Model, c.EscalatedModel, c.RateLimit
	default:
		return nil, fmt.Errorf("unknown inference provider %q", name)
	}
	if escM == "" {
		escM = stdM
	}
	return provider.NewTierSet(
		provider.Tier{Name: provider.TierStandard, Model: stdM, Client: provider.RateLimited(std, rps, 1)},
		provider.Tier{Name: provider.TierEscalated, Model: escM, Client: provider.RateLimited(esc, rps, 1)},
	)
}

// batchEnv is everything a batch command needs.
type batchEnv struct {
	def    *jobdef.Definition
	store  artifact.Store
	status *jobstatus.Store
	orch   *batch.Orchestrator
}

func openBatchEnv(ctx context.Context, jobPath string) (*batchEnv, error) {
	def, err := loadJob(jobPath)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return nil, exitError(ExitFileReadError, "Failed to open artifact store", err)
	}
	p, err := batchProvider(ctx, appConfig, def.Batch.Provider)
	if err != nil {
		return nil, exitError(ExitInvalidArgument, "Failed to configure batch provider", err)
	}
	status := jobstatus.NewStore(store)
	orch := batch.New(p, status, store,
		batch.WithLogger(observability.CLILogger),
		batch.WithPricing(appConfig.Pricing))
	return &batchEnv{def: def, store: store, status: status, orch: orch}, nil
}

// spec opens the job's data source and compiles its batch spec. The close
// function is never nil.
func (e *batchEnv) spec(ctx context.Context) (*batch.JobSpec, func() error, error) {
	src, closeSrc, err := e.def.OpenSource(ctx)
	if err != nil {
		return nil, closeSrc, exitError(ExitExternalServiceUnavailable, "Failed to open data source", err)
	}
	spec, err := e.def.BatchSpec(src, e.def.Loader(e.store, e.status))
	if err != nil {
		return nil, closeSrc, exitError(ExitInvalidArgument, "Failed to compile job definition", err)
	}
	return spec, closeSrc, nil
}
