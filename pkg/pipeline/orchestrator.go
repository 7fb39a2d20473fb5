package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/record"
)

var (
	// ErrDependencyNotCompleted indicates a step was reached while one of
	// its dependencies is not completed.
	ErrDependencyNotCompleted = errors.New("step dependency not completed")

	// ErrItemFailed indicates the work item previously failed and Rerun was not set.
	ErrItemFailed = errors.New("work item previously failed")

	// ErrAttemptsExhausted indicates a resumed step had already used its attempt budget.
	ErrAttemptsExhausted = errors.New("step attempts exhausted")
)

// StepError is the failure of one work item at one step.
type StepError struct {
	JobType  string
	Key      record.Key
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("job type %s key %s: step %s failed after %d attempt(s): %v", e.JobType, e.Key, e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// WorkItem is one natural-key-identified input.
type WorkItem struct {
	Key    record.Key
	Record record.Record
}

// StepContext is passed to each step attempt.
type StepContext struct {
	Item    WorkItem
	Attempt int

	// Tier is set for inference steps.
	Tier *provider.Tier

	// Results holds the stored results of completed steps by id.
	Results map[string]any

	// Deps holds resolved bindings by alias. Optional misses are nil.
	Deps map[string]record.Record

	Logger *zap.Logger

	usage provider.TokenUsage
	model string
}

// RecordUsage adds token usage for this attempt.
func (sc *StepContext) RecordUsage(u provider.TokenUsage) { sc.usage.Add(u) }

// RecordModel notes the model that answered.
func (sc *StepContext) RecordModel(m string) { sc.model = m }

// RunOptions control one Run call.
type RunOptions struct {
	// Rerun resets a failed step so a previously failed item runs again.
	Rerun bool
}

// Orchestrator runs the step graph for work items of one job type.
type Orchestrator struct {
	jobType  string
	graph    *Graph
	store    artifact.Store
	keySpec  record.KeySpec
	tiers    *provider.TierSet
	policy   RetryPolicy
	resolver *depresolve.Resolver
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTiers sets the model tiers used by inference steps.
func WithTiers(t *provider.TierSet) Option { return func(o *Orchestrator) { o.tiers = t } }

// WithPolicy sets the retry policy.
func WithPolicy(p RetryPolicy) Option { return func(o *Orchestrator) { o.policy = p.withDefaults() } }

// WithResolver sets the dependency resolver used for step bindings.
func WithResolver(r *depresolve.Resolver) Option { return func(o *Orchestrator) { o.resolver = r } }

// WithKeySpec sets the natural key used for aggregated outputs.
func WithKeySpec(s record.KeySpec) Option { return func(o *Orchestrator) { o.keySpec = s.Normalize() } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithSleep overrides the delay between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New returns an orchestrator for jobType.
func New(jobType string, g *Graph, store artifact.Store, opts ...Option) (*Orchestrator, error) {
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}
	if g == nil {
		return nil, fmt.Errorf("step graph is required")
	}
	o := &Orchestrator{
		jobType: jobType,
		graph:   g,
		store:   store,
		keySpec: record.DefaultKeySpec(),
		policy:  DefaultRetryPolicy(),
		logger:  zap.NewNop(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, id := range g.Order() {
		s, _ := g.Step(id)
		if s.Kind == KindInference {
			if err := o.policy.Validate(o.tiers); err != nil {
				return nil, fmt.Errorf("step %s: %w", id, err)
			}
		}
		if len(s.Bindings) > 0 && o.resolver == nil {
			return nil, fmt.Errorf("step %s declares bindings but no resolver is configured", id)
		}
	}
	return o, nil
}

// JobType returns the job type.
func (o *Orchestrator) JobType() string { return o.jobType }

// LoadState reads the persisted state of key and the stored results of its
// completed steps. A missing state yields (nil, nil, nil).
func (o *Orchestrator) LoadState(ctx context.Context, key record.Key) (*State, map[string]any, error) {
	var st State
	err := artifact.GetJSON(ctx, o.store, artifact.PipelineStatePath(o.jobType, key), &st)
	if artifact.IsNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load state for key %s: %w", key, err)
	}
	results := make(map[string]any, len(st.Steps))
	for id, ss := range st.Steps {
		if ss.Status != StatusCompleted {
			continue
		}
		var v any
		if err := artifact.GetJSON(ctx, o.store, artifact.StepResultPath(o.jobType, key, id), &v); err != nil {
			return nil, nil, fmt.Errorf("load result of step %s for key %s: %w", id, key, err)
		}
		results[id] = v
	}
	return &st, results, nil
}

// Run advances item through the graph, skipping completed steps. It halts
// at the first failed step and returns a *StepError.
func (o *Orchestrator) Run(ctx context.Context, item WorkItem, opts RunOptions) (*State, error) {
	log := o.logger.With(zap.String("job_type", o.jobType), zap.String("key", item.Key.String()))

	st, results, err := o.LoadState(ctx, item.Key)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = newState(o.jobType, item.Key, o.graph.Order(), o.now().UTC())
		results = map[string]any{}
	}
	st.Order = o.graph.Order()

	if st.Status == StatusCompleted {
		return st, nil
	}
	if st.Status == StatusFailed {
		if !opts.Rerun {
			return st, fmt.Errorf("%w: job type %s key %s at step %s", ErrItemFailed, o.jobType, item.Key, st.CurrentStep)
		}
		for _, id := range st.Order {
			if ss := st.Step(id); ss.Status == StatusFailed || ss.Status == StatusRunning {
				*ss = StepState{Status: StatusPending}
			}
		}
		st.Error = ""
		log.Info("Rerunning failed work item")
	}
	st.Status = StatusRunning

	for _, id := range st.Order {
		step, _ := o.graph.Step(id)
		ss := st.Step(id)
		if ss.Status == StatusCompleted {
			continue
		}
		st.CurrentStep = id

		for _, dep := range step.DependsOn {
			if st.Step(dep).Status != StatusCompleted {
				cause := fmt.Errorf("%w: %s requires %s", ErrDependencyNotCompleted, id, dep)
				return st, o.failItem(ctx, st, id, 0, cause, log)
			}
		}

		var deps map[string]record.Record
		if len(step.Bindings) > 0 {
			deps, err = o.resolver.ResolveAll(ctx, step.Bindings, item.Record)
			if err != nil && ctx.Err() != nil {
				return st, o.interrupt(ctx, st, log)
			}
			if err != nil {
				ss.Status = StatusFailed
				ss.Error = err.Error()
				return st, o.failItem(ctx, st, id, ss.Attempts, err, log)
			}
		}

		result, err := o.execute(ctx, st, step, item, results, deps, log)
		if err != nil && ctx.Err() != nil {
			return st, o.interrupt(ctx, st, log)
		}
		if err != nil {
			return st, o.failItem(ctx, st, id, ss.Attempts, err, log)
		}
		results[id] = result
	}

	if err := o.aggregate(ctx, item, results); err != nil {
		return st, err
	}
	st.Status = StatusCompleted
	st.CurrentStep = ""
	if err := o.save(ctx, st); err != nil {
		return st, err
	}
	log.Info("Work item completed", zap.Int64("tokens", st.Usage().Total()))
	return st, nil
}

// execute runs step with its attempt budget and persists state on every change.
// A step left running by an interrupted pass repeats that attempt; a step
// left failed between attempts continues with the next one.
func (o *Orchestrator) execute(ctx context.Context, st *State, step *Step, item WorkItem, results map[string]any, deps map[string]record.Record, log *zap.Logger) (any, error) {
	ss := st.Step(step.ID)
	max := o.policy.Attempts(step.Kind)
	slog := log.With(zap.String("step", step.ID))

	start := 1
	switch {
	case ss.Status == StatusRunning && ss.Attempts > 0:
		start = ss.Attempts
	case ss.Attempts > 0:
		start = ss.Attempts + 1
	}
	if start > max {
		return nil, fmt.Errorf("%w: %s used %d of %d attempts: %s", ErrAttemptsExhausted, step.ID, ss.Attempts, max, ss.Error)
	}
	if start > 1 {
		slog.Info("Resuming step", zap.Int("attempt", start), zap.Int("max_attempts", max))
	}

	var lastErr error
	for attempt := start; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sc := &StepContext{
			Item:    item,
			Attempt: attempt,
			Results: results,
			Deps:    deps,
			Logger:  slog,
		}
		if step.Kind == KindInference {
			tier, err := o.tiers.Get(o.policy.TierFor(attempt, max))
			if err != nil {
				return nil, err
			}
			sc.Tier = &tier
			ss.Tier = tier.Name
			ss.Model = tier.Model
		}

		started := o.now().UTC()
		ss.Status = StatusRunning
		ss.Attempts = attempt
		ss.StartedAt = &started
		ss.Error = ""
		if err := o.save(ctx, st); err != nil {
			return nil, err
		}

		result, err := step.Run(ctx, sc)
		if err == nil && step.Transform != nil {
			result, err = step.Transform(item, result)
		}
		ss.Usage.Add(sc.usage)
		if sc.model != "" {
			ss.Model = sc.model
		}
		ss.DurationMs += o.now().Sub(started).Milliseconds()

		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			if err := artifact.PutJSON(ctx, o.store, artifact.StepResultPath(o.jobType, item.Key, step.ID), result); err != nil {
				return nil, err
			}
			done := o.now().UTC()
			ss.Status = StatusCompleted
			ss.CompletedAt = &done
			if err := o.save(ctx, st); err != nil {
				return nil, err
			}
			slog.Debug("Step completed", zap.Int("attempt", attempt), zap.String("tier", ss.Tier))
			return result, nil
		}

		lastErr = err
		ss.Status = StatusFailed
		ss.Error = err.Error()
		if err := o.save(ctx, st); err != nil {
			return nil, err
		}
		if !retryable(err) || attempt == max {
			break
		}
		slog.Warn("Step attempt failed; retrying",
			zap.Int("attempt", attempt), zap.Int("max_attempts", max), zap.String("tier", ss.Tier), zap.Error(err))

		delay := o.policy.Delay
		if provider.IsThrottled(err) {
			delay *= time.Duration(1 << (attempt - 1))
		}
		if err := o.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// interrupt persists st as still running after ctx was cancelled, so a
// later pass resumes the item instead of treating it as failed.
func (o *Orchestrator) interrupt(ctx context.Context, st *State, log *zap.Logger) error {
	if ss := st.Step(st.CurrentStep); ss.Status == StatusFailed {
		ss.Status = StatusPending
	}
	st.Status = StatusRunning
	if err := o.save(context.WithoutCancel(ctx), st); err != nil {
		log.Error("Cannot persist interrupted state", zap.Error(err))
	}
	log.Warn("Work item interrupted", zap.String("step", st.CurrentStep), zap.Error(ctx.Err()))
	return ctx.Err()
}

// failItem marks the item failed at step and persists it.
func (o *Orchestrator) failItem(ctx context.Context, st *State, step string, attempts int, cause error, log *zap.Logger) error {
	st.Status = StatusFailed
	st.CurrentStep = step
	st.Error = cause.Error()
	if err := o.save(context.WithoutCancel(ctx), st); err != nil {
		log.Error("Cannot persist failed state", zap.Error(err))
	}
	log.Error("Work item failed", zap.String("step", step), zap.Int("attempts", attempts), zap.Error(cause))
	return &StepError{JobType: o.jobType, Key: st.Key, Step: step, Attempts: attempts, Err: cause}
}

// aggregate builds the item's output record from the completed step results.
func (o *Orchestrator) aggregate(ctx context.Context, item WorkItem, results map[string]any) error {
	out := record.Record{}
	for field, v := range o.keySpec.Values(item.Key) {
		out[field] = v
	}
	for _, field := range o.keySpec.Fields {
		if v, ok := item.Record[field]; ok {
			out[field] = v
		}
	}
	for _, id := range o.graph.Order() {
		step, _ := o.graph.Step(id)
		if len(step.Output) == 0 {
			out[id] = results[id]
			continue
		}
		record.Project(out, results[id], step.Output)
	}
	return artifact.PutJSON(ctx, o.store, artifact.PipelineOutputPath(o.jobType, item.Key), out)
}

func (o *Orchestrator) save(ctx context.Context, st *State) error {
	st.UpdatedAt = o.now().UTC()
	if err := artifact.PutJSON(ctx, o.store, artifact.PipelineStatePath(o.jobType, st.Key), st); err != nil {
		return fmt.Errorf("persist state for key %s: %w", st.Key, err)
	}
	return nil
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, depresolve.ErrMissingDependency):
		return false
	case errors.Is(err, provider.ErrInvalidCredentials):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
