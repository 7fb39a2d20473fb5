// Package retry re-runs the retryable failures of a processed batch run in a
// new, narrowly scoped run with recorded lineage.
package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/batch"
	"github.com/3leaps/kgextract/pkg/datasource"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/record"
)

var (
	// ErrNothingToRetry indicates no selected failure carries a natural key.
	ErrNothingToRetry = errors.New("nothing to retry")

	// ErrSourceNotProcessed indicates the source run has no failure report yet.
	ErrSourceNotProcessed = errors.New("source run is not processed")
)

// Request selects the failures to retry.
type Request struct {
	JobType     string
	SourceRunID string

	// FilterReason keeps failures whose reason or detail contains this
	// substring (case-insensitive). Empty keeps all failures.
	FilterReason string
}

// Plan is the scope and namespace of a retry run.
type Plan struct {
	Source        *jobstatus.JobRun
	Keys          []record.Key
	Unrecoverable []batch.FailureRecord
	Selected      int
	Ordinal       int
	Lineage       jobstatus.Lineage
}

// OutputPrefix returns the namespace of the retry run runID.
func (p *Plan) OutputPrefix(runID string) string {
	return artifact.RetryPrefix(p.Source.JobType, p.Source.RunID, p.Ordinal, Slug(p.Lineage.FilterReason), runID)
}

// Planner builds retry plans from persisted failure reports.
type Planner struct {
	status *jobstatus.Store
	store  artifact.Store
}

// NewPlanner returns a planner.
func NewPlanner(status *jobstatus.Store, store artifact.Store) *Planner {
	return &Planner{status: status, store: store}
}

// Plan loads the source run's failures, applies the filter and splits them
// into retryable keys and unrecoverable items.
func (p *Planner) Plan(ctx context.Context, req Request) (*Plan, error) {
	src, err := p.status.Get(ctx, req.JobType, req.SourceRunID)
	if err != nil {
		return nil, err
	}
	if src.Status != jobstatus.StatusProcessed {
		return nil, fmt.Errorf("%w: job type %s run %s is %s", ErrSourceNotProcessed, src.JobType, src.RunID, src.Status)
	}
	var rep batch.FailureReport
	if err := artifact.GetJSON(ctx, p.store, artifact.Join(src.OutputPrefix, artifact.FailuresFile), &rep); err != nil {
		return nil, fmt.Errorf("load failures of job type %s run %s: %w", src.JobType, src.RunID, err)
	}

	plan := &Plan{Source: src}
	filter := strings.ToLower(strings.TrimSpace(req.FilterReason))
	seen := map[record.Key]bool{}
	for _, f := range rep.Failures {
		if filter != "" && !strings.Contains(strings.ToLower(f.Reason), filter) && !strings.Contains(strings.ToLower(f.Detail), filter) {
			continue
		}
		plan.Selected++
		if f.Key == "" {
			plan.Unrecoverable = append(plan.Unrecoverable, f)
			continue
		}
		if !seen[f.Key] {
			seen[f.Key] = true
			plan.Keys = append(plan.Keys, f.Key)
		}
	}
	record.SortKeys(plan.Keys)

	if len(plan.Keys) == 0 {
		return plan, fmt.Errorf("%w: job type %s run %s has %d matching failure(s), %d unrecoverable",
			ErrNothingToRetry, src.JobType, src.RunID, plan.Selected, len(plan.Unrecoverable))
	}

	ordinal, err := p.nextOrdinal(ctx, src)
	if err != nil {
		return nil, err
	}
	plan.Ordinal = ordinal

	root := src.RunID
	if src.Lineage != nil && src.Lineage.RootRunID != "" {
		root = src.Lineage.RootRunID
	}
	plan.Lineage = jobstatus.Lineage{
		SourceRunID:  src.RunID,
		RootRunID:    root,
		RetryOrdinal: ordinal,
		FilterReason: strings.TrimSpace(req.FilterReason),
	}
	return plan, nil
}

var ordinalDir = regexp.MustCompile(`^r(\d+)(?:_|$)`)

// nextOrdinal scans existing retry namespaces of src.
func (p *Planner) nextOrdinal(ctx context.Context, src *jobstatus.JobRun) (int, error) {
	ns := artifact.RetryNamespace(src.JobType, src.RunID)
	keys, err := p.store.List(ctx, ns)
	if err != nil {
		return 0, fmt.Errorf("list retries of %s: %w", src.RunID, err)
	}
	max := 0
	for _, k := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(k, ns), "/")
		dir, _, _ := strings.Cut(rel, "/")
		m := ordinalDir.FindStringSubmatch(dir)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug renders a filter reason as a path-safe namespace suffix.
func Slug(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(s), "_")
	s = strings.Trim(s, "_")
	if len(s) > 32 {
		s = strings.TrimRight(s[:32], "_")
	}
	return s
}

// Orchestrator starts retry runs through a batch orchestrator.
type Orchestrator struct {
	batch   *batch.Orchestrator
	planner *Planner
	logger  *zap.Logger
}

// New returns a retry orchestrator.
func New(b *batch.Orchestrator, store artifact.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{batch: b, planner: NewPlanner(b.Status(), store), logger: logger}
}

// Retry plans req and starts a run of base narrowed to the retryable keys.
// Only Scope, Lineage and OutputPrefix differ from base.
func (o *Orchestrator) Retry(ctx context.Context, req Request, base *batch.JobSpec) (*jobstatus.JobRun, *Plan, error) {
	if base == nil || base.JobType != req.JobType {
		return nil, nil, fmt.Errorf("retry of job type %s needs its job spec", req.JobType)
	}
	plan, err := o.planner.Plan(ctx, req)
	if err != nil {
		return nil, plan, err
	}
	log := o.logger.With(zap.String("job_type", req.JobType), zap.String("source_run_id", req.SourceRunID))
	if len(plan.Unrecoverable) > 0 {
		log.Warn("Failures without a natural key cannot be retried", zap.Int("count", len(plan.Unrecoverable)))
	}

	spec := *base
	spec.Scope = datasource.Scope{Keys: plan.Keys}
	lineage := plan.Lineage
	spec.Lineage = &lineage
	spec.OutputPrefix = plan.OutputPrefix

	run, err := o.batch.Start(ctx, &spec)
	if err != nil {
		return run, plan, err
	}
	log.Info("Retry run started",
		zap.String("run_id", run.RunID),
		zap.Int("retry_ordinal", plan.Ordinal),
		zap.Int("keys", len(plan.Keys)),
		zap.String("output_prefix", run.OutputPrefix),
	)
	return run, plan, nil
}
