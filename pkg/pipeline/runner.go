package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/kgextract/pkg/artifact"
)

// DefaultWorkers is the default worker pool size.
const DefaultWorkers = 4

// Runner drives many work items through one Orchestrator with a bounded
// worker pool. Each worker owns one item at a time.
type Runner struct {
	orch    *Orchestrator
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	summary *Summary
}

// NewRunner returns a runner with workers goroutines (DefaultWorkers when <= 0).
func NewRunner(orch *Orchestrator, workers int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{orch: orch, workers: workers, logger: logger}
}

// LoadSummary reads summary.json for the runner's job type. A missing
// summary yields an empty one.
func (r *Runner) LoadSummary(ctx context.Context) (*Summary, error) {
	var s Summary
	err := artifact.GetJSON(ctx, r.orch.store, artifact.PipelineSummaryPath(r.orch.jobType), &s)
	if artifact.IsNotFound(err) {
		return &Summary{JobType: r.orch.jobType}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RunAll runs every item. Item failures are recorded in the summary and do
// not stop other items; only context cancellation or a persistence error
// aborts the pass. Items interrupted by cancellation stay running in their
// state and are left out of the summary.
func (r *Runner) RunAll(ctx context.Context, items []WorkItem, opts RunOptions) (*Summary, error) {
	sum, err := r.LoadSummary(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.summary = sum
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, item := range items {
		g.Go(func() error {
			st, err := r.orch.Run(gctx, item, opts)
			var se *StepError
			switch {
			case err == nil, errors.As(err, &se), errors.Is(err, ErrItemFailed):
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				return err
			}
			if st == nil {
				return nil
			}
			return r.update(gctx, st)
		})
	}
	err = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("Pipeline pass finished",
		zap.String("job_type", r.orch.jobType),
		zap.Int("items", len(items)),
		zap.Int("completed", r.summary.Completed),
		zap.Int("failed", r.summary.Failed),
		zap.Int64("tokens", r.summary.Usage.Total()),
	)
	return r.summary, err
}

func (r *Runner) update(ctx context.Context, st *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.JobType = r.orch.jobType
	r.summary.record(st.Key, st)
	r.summary.UpdatedAt = r.orch.now().UTC()
	return artifact.PutJSON(ctx, r.orch.store, artifact.PipelineSummaryPath(r.orch.jobType), r.summary)
}
