// Package batch drives job runs through the batch provider lifecycle:
// generate, submit, poll, wait and process.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/record"
)

// Orchestrator runs batch jobs. It is the only writer of JobRun status.
type Orchestrator struct {
	provider provider.BatchProvider
	status   *jobstatus.Store
	store    artifact.Store
	logger   *zap.Logger
	pricing  Pricing
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPricing sets the cost estimate rates.
func WithPricing(p Pricing) Option {
	return func(o *Orchestrator) { o.pricing = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an orchestrator.
func New(p provider.BatchProvider, status *jobstatus.Store, store artifact.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: p,
		status:   status,
		store:    store,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns the status store.
func (o *Orchestrator) Status() *jobstatus.Store { return o.status }

// Start generates the input artifact for spec and submits it.
//
// Start fails with *ActiveRunError before any provider call when the job type
// already has a non-terminal run. Any generate or submit error marks the run
// FAILED, appends the error to the run, and is returned.
func (o *Orchestrator) Start(ctx context.Context, spec *JobSpec) (*jobstatus.JobRun, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	active, err := o.status.Active(ctx, spec.JobType)
	if err != nil {
		return nil, fmt.Errorf("check active run for %s: %w", spec.JobType, err)
	}
	if active != nil {
		return nil, &ActiveRunError{JobType: active.JobType, RunID: active.RunID, Status: active.Status}
	}

	runID, err := o.newRunID(ctx, spec.JobType)
	if err != nil {
		return nil, err
	}
	prefix := artifact.RunPrefix(spec.JobType, runID)
	if spec.OutputPrefix != nil {
		prefix = spec.OutputPrefix(runID)
	}

	run := &jobstatus.JobRun{
		JobType:      spec.JobType,
		RunID:        runID,
		Status:       jobstatus.StatusPending,
		Provider:     o.provider.Name(),
		CreatedAt:    o.now().UTC(),
		OutputPrefix: prefix,
		Lineage:      spec.Lineage,
	}
	if err := o.status.Write(ctx, run); err != nil {
		return nil, err
	}
	log := o.logger.With(zap.String("job_type", run.JobType), zap.String("run_id", run.RunID))
	log.Info("Run created", zap.String("output_prefix", prefix))

	data, err := o.generate(ctx, spec, run, log)
	if err != nil {
		return run, o.fail(ctx, run, "generate", err, log)
	}

	md := map[string]string{"job_type": run.JobType, "run_id": run.RunID}
	for k, v := range spec.Metadata {
		md[k] = v
	}
	sub, err := o.provider.Submit(ctx, provider.BatchInput{Data: data, Metadata: md})
	if err != nil {
		return run, o.fail(ctx, run, "submit", err, log)
	}
	run.RemoteRef = sub.Ref
	run.InputArtifactID = sub.InputArtifactID
	if err := jobstatus.Transition(run, jobstatus.StatusSubmitted, o.now()); err != nil {
		return run, err
	}
	if err := o.status.Write(ctx, run); err != nil {
		return run, err
	}
	log.Info("Run submitted", zap.String("remote_ref", sub.Ref), zap.String("provider", run.Provider))
	return run, nil
}

// generate builds input.jsonl and manifest.json and moves the run to GENERATED.
func (o *Orchestrator) generate(ctx context.Context, spec *JobSpec, run *jobstatus.JobRun, log *zap.Logger) ([]byte, error) {
	keySpec := spec.keySpec()

	rows, err := spec.Source.Rows(ctx, spec.Scope)
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	scope := spec.Scope.Set()

	var resolver *depresolve.Resolver
	if len(spec.Dependencies) > 0 {
		resolver = depresolve.New(spec.Loader, keySpec)
	}

	manifest := Manifest{JobType: run.JobType, RunID: run.RunID, KeyFields: keySpec.Fields}
	var lines []provider.InputLine
	seen := make(map[record.Key]struct{}, len(rows))

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := keySpec.KeyOf(row)
		if err != nil {
			manifest.Failures = append(manifest.Failures, FailureRecord{Reason: ReasonMissingKey, Detail: err.Error()})
			continue
		}
		if spec.Scope.Restricted() {
			if _, ok := scope[key]; !ok {
				continue
			}
		}
		if _, dup := seen[key]; dup {
			manifest.Duplicates = append(manifest.Duplicates, key)
			continue
		}
		seen[key] = struct{}{}

		item := Item{Key: key, Row: row}
		if resolver != nil {
			deps, err := resolver.ResolveAll(ctx, spec.Dependencies, row)
			if err != nil {
				if errors.Is(err, depresolve.ErrMissingDependency) {
					manifest.Failures = append(manifest.Failures, FailureRecord{Key: key, Reason: ReasonDependencyMissing, Detail: err.Error()})
					continue
				}
				return nil, err
			}
			item.Deps = deps
		}
		if spec.Preprocess != nil {
			pre, err := spec.Preprocess(ctx, row.Clone())
			if err != nil {
				manifest.Failures = append(manifest.Failures, FailureRecord{Key: key, Reason: ReasonPreprocessError, Detail: err.Error()})
				continue
			}
			item.Row = pre
		}
		req, err := spec.BuildRequest(item)
		if err != nil {
			manifest.Failures = append(manifest.Failures, FailureRecord{Key: key, Reason: ReasonRequestError, Detail: err.Error()})
			continue
		}

		id := CustomID(len(lines) + 1)
		lines = append(lines, provider.InputLine{CustomID: id, Request: *req})
		manifest.Items = append(manifest.Items, ManifestItem{CustomID: id, Key: key, Fields: keyFields(keySpec, row)})
	}

	if err := artifact.PutJSON(ctx, o.store, artifact.Join(run.OutputPrefix, artifact.ManifestFile), manifest); err != nil {
		return nil, err
	}
	run.Counts.Total = len(manifest.Items) + len(manifest.Failures)
	if len(manifest.Duplicates) > 0 {
		log.Warn("Skipped source rows with duplicate keys", zap.Int("rows", len(manifest.Duplicates)))
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %d rows, %d generation failures", ErrNoRequests, len(rows), len(manifest.Failures))
	}

	data, err := artifact.EncodeJSONL(lines)
	if err != nil {
		return nil, err
	}
	if err := o.store.Put(ctx, artifact.Join(run.OutputPrefix, artifact.InputFile), data); err != nil {
		return nil, err
	}

	est := o.pricing.Estimate(lines, int64(len(data)))
	run.Estimate = &est.Estimate
	if err := jobstatus.Transition(run, jobstatus.StatusGenerated, o.now()); err != nil {
		return nil, err
	}
	if err := o.status.Write(ctx, run); err != nil {
		return nil, err
	}
	log.Info("Input generated",
		zap.Int("requests", len(lines)),
		zap.Int("generation_failures", len(manifest.Failures)),
		zap.String("size", est.HumanBytes()),
		zap.String("approx_tokens", est.HumanTokens()),
		zap.Float64("approx_cost_usd", est.ApproxCostUSD),
	)
	return data, nil
}

// fail marks run FAILED and returns cause annotated with the run identity.
func (o *Orchestrator) fail(ctx context.Context, run *jobstatus.JobRun, phase string, cause error, log *zap.Logger) error {
	now := o.now()
	run.AddError(now, phase, cause)
	if err := jobstatus.Transition(run, jobstatus.StatusFailed, now); err != nil {
		log.Error("Cannot mark run failed", zap.Error(err))
	}
	if err := o.status.Write(context.WithoutCancel(ctx), run); err != nil {
		log.Error("Cannot persist failed run", zap.Error(err))
	}
	log.Error("Run failed", zap.String("phase", phase), zap.Error(cause))
	return fmt.Errorf("job type %s run %s: %s: %w", run.JobType, run.RunID, phase, cause)
}

// newRunID derives a time-based run id, unique per job type.
func (o *Orchestrator) newRunID(ctx context.Context, jobType string) (string, error) {
	id := o.now().UTC().Format("20060102T150405Z")
	_, err := o.status.Get(ctx, jobType, id)
	switch {
	case errors.Is(err, jobstatus.ErrNotFound):
		return id, nil
	case err != nil:
		return "", err
	}
	return id + "-" + uuid.NewString()[:8], nil
}

// Manifest loads the manifest of run.
func (o *Orchestrator) Manifest(ctx context.Context, run *jobstatus.JobRun) (*Manifest, error) {
	var m Manifest
	if err := artifact.GetJSON(ctx, o.store, artifact.Join(run.OutputPrefix, artifact.ManifestFile), &m); err != nil {
		return nil, fmt.Errorf("load manifest for %s run %s: %w", run.JobType, run.RunID, err)
	}
	return &m, nil
}

// Failures loads failures.json of a processed run.
func (o *Orchestrator) Failures(ctx context.Context, run *jobstatus.JobRun) (*FailureReport, error) {
	var rep FailureReport
	if err := artifact.GetJSON(ctx, o.store, artifact.Join(run.OutputPrefix, artifact.FailuresFile), &rep); err != nil {
		return nil, fmt.Errorf("load failures for %s run %s: %w", run.JobType, run.RunID, err)
	}
	return &rep, nil
}

// keyFields copies the natural key fields of row.
func keyFields(spec record.KeySpec, row record.Record) map[string]any {
	out := make(map[string]any, len(spec.Fields))
	for _, f := range spec.Fields {
		out[f] = row[f]
	}
	return out
}
