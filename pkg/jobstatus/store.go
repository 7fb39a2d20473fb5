// Package jobstatus persists batch job run lifecycle records.
package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/kgextract/pkg/artifact"
)

var (
	// ErrNotFound indicates no run record exists.
	ErrNotFound = errors.New("job run not found")

	// ErrInvalidTransition indicates an illegal lifecycle edge.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists JobRuns in an artifact store.
//
// Layout:
//
//	status/<job_type>/status.json      latest run, overwritten per transition
//	status/<job_type>/runs/<run>.json  audit copy of every run
//
// There is a single writer per job type.
type Store struct {
	store artifact.Store
	now   func() time.Time
}

// NewStore returns a status store on top of s.
func NewStore(s artifact.Store) *Store {
	return &Store{store: s, now: time.Now}
}

func statusKey(jobType string) string {
	return artifact.Join("status", jobType, "status.json")
}

func runKey(jobType, runID string) string {
	return artifact.Join("status", jobType, "runs", runID+".json")
}

func validateID(kind, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid %s %q", kind, id)
	}
	return nil
}

// Write persists run as the audit record and, when it is the latest run of
// its job type, as the job's current status.
func (s *Store) Write(ctx context.Context, run *JobRun) error {
	if run == nil {
		return fmt.Errorf("job run is nil")
	}
	if err := validateID("job_type", run.JobType); err != nil {
		return err
	}
	if err := validateID("run_id", run.RunID); err != nil {
		return err
	}
	run.UpdatedAt = s.now().UTC()

	if err := artifact.PutJSON(ctx, s.store, runKey(run.JobType, run.RunID), run); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}

	cur, err := s.Current(ctx, run.JobType)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case cur.RunID != run.RunID && cur.CreatedAt.After(run.CreatedAt):
		return nil
	}
	if err := artifact.PutJSON(ctx, s.store, statusKey(run.JobType), run); err != nil {
		return fmt.Errorf("write status record: %w", err)
	}
	return nil
}

// Current returns the latest run of jobType.
func (s *Store) Current(ctx context.Context, jobType string) (*JobRun, error) {
	if err := validateID("job_type", jobType); err != nil {
		return nil, err
	}
	var run JobRun
	if err := artifact.GetJSON(ctx, s.store, statusKey(jobType), &run); err != nil {
		if artifact.IsNotFound(err) {
			return nil, fmt.Errorf("%w: job type %s", ErrNotFound, jobType)
		}
		return nil, err
	}
	return &run, nil
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, jobType, runID string) (*JobRun, error) {
	if err := validateID("job_type", jobType); err != nil {
		return nil, err
	}
	if err := validateID("run_id", runID); err != nil {
		return nil, err
	}
	var run JobRun
	if err := artifact.GetJSON(ctx, s.store, runKey(jobType, runID), &run); err != nil {
		if artifact.IsNotFound(err) {
			return nil, fmt.Errorf("%w: job type %s run %s", ErrNotFound, jobType, runID)
		}
		return nil, err
	}
	return &run, nil
}

// List returns every run of jobType, newest first.
func (s *Store) List(ctx context.Context, jobType string) ([]JobRun, error) {
	if err := validateID("job_type", jobType); err != nil {
		return nil, err
	}
	keys, err := s.store.List(ctx, artifact.Join("status", jobType, "runs"))
	if err != nil {
		return nil, err
	}

	out := make([]JobRun, 0, len(keys))
	for _, k := range keys {
		if path.Ext(k) != ".json" {
			continue
		}
		var run JobRun
		if err := artifact.GetJSON(ctx, s.store, k, &run); err != nil {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// JobTypes lists every job type with a status record.
func (s *Store) JobTypes(ctx context.Context) ([]string, error) {
	keys, err := s.store.List(ctx, "status")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, k := range keys {
		parts := strings.Split(k, "/")
		if len(parts) == 3 && parts[2] == "status.json" && !seen[parts[1]] {
			seen[parts[1]] = true
			out = append(out, parts[1])
		}
	}
	sort.Strings(out)
	return out, nil
}

// Active returns the non-terminal run of jobType, or nil if there is none.
func (s *Store) Active(ctx context.Context, jobType string) (*JobRun, error) {
	cur, err := s.Current(ctx, jobType)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if cur.Status.IsTerminal() {
		return nil, nil
	}
	return cur, nil
}

// LatestWithStatus returns the newest run of jobType in status st.
func (s *Store) LatestWithStatus(ctx context.Context, jobType string, st RunStatus) (*JobRun, error) {
	runs, err := s.List(ctx, jobType)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Status == st {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: job type %s has no %s run", ErrNotFound, jobType, st)
}

// Transition moves run to status `to`, stamping lifecycle timestamps.
// Transitioning to the current status is a no-op.
func Transition(run *JobRun, to RunStatus, now time.Time) error {
	if run.Status == to {
		return nil
	}
	if !CanTransition(run.Status, to) {
		return fmt.Errorf("%w: %s -> %s (job type %s, run %s)", ErrInvalidTransition, run.Status, to, run.JobType, run.RunID)
	}
	now = now.UTC()
	switch {
	case to == StatusSubmitted:
		run.SubmittedAt = &now
	case to == StatusProcessed:
		run.ProcessedAt = &now
	case to.IsRemoteTerminal():
		run.CompletedAt = &now
	}
	run.Status = to
	return nil
}
