package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/kgextract/pkg/datasource"
	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/record"
	"github.com/3leaps/kgextract/pkg/resultset"
	"github.com/3leaps/kgextract/pkg/validate"
)

var (
	// ErrActiveRun indicates a non-terminal run already exists for the job type.
	ErrActiveRun = errors.New("job type has an active run")

	// ErrNotCompleted indicates results were requested for a run that is not COMPLETED.
	ErrNotCompleted = errors.New("run is not completed")

	// ErrNotActive indicates an operation that needs an active run found none.
	ErrNotActive = errors.New("no active run")

	// ErrWaitTimeout indicates the local wait expired before the run finished.
	// The remote run is left untouched.
	ErrWaitTimeout = errors.New("timed out waiting for run")

	// ErrNoRequests indicates generation produced nothing to submit.
	ErrNoRequests = errors.New("no requests generated")
)

// ActiveRunError identifies the run that blocks a new start.
type ActiveRunError struct {
	JobType string
	RunID   string
	Status  jobstatus.RunStatus
}

func (e *ActiveRunError) Error() string {
	return fmt.Sprintf("job type %s already has active run %s (%s)", e.JobType, e.RunID, e.Status)
}

// Unwrap returns ErrActiveRun.
func (e *ActiveRunError) Unwrap() error { return ErrActiveRun }

// Item is one row prepared for request construction.
type Item struct {
	Key  record.Key
	Row  record.Record
	Deps map[string]record.Record
}

// Preprocessor enriches or reshapes a row before request construction.
type Preprocessor func(ctx context.Context, row record.Record) (record.Record, error)

// RequestBuilder turns an item into a provider request.
type RequestBuilder func(item Item) (*provider.Request, error)

// JobSpec describes one batch job type. Retry runs reuse a spec unchanged
// except for Scope, Lineage and OutputPrefix.
type JobSpec struct {
	JobType string

	Source  datasource.Source
	Scope   datasource.Scope
	KeySpec record.KeySpec

	// Dependencies are resolved per row through Loader.
	Dependencies []depresolve.Binding
	Loader       resultset.Loader

	Preprocess   Preprocessor
	BuildRequest RequestBuilder
	Validator    validate.Validator

	// Lineage is set for retry runs.
	Lineage *jobstatus.Lineage

	// OutputPrefix returns the artifact namespace of a run. Defaults to
	// artifact.RunPrefix.
	OutputPrefix func(runID string) string

	// Metadata is attached to the remote run.
	Metadata map[string]string
}

// Validate checks the spec.
func (s *JobSpec) Validate() error {
	if strings.TrimSpace(s.JobType) == "" {
		return fmt.Errorf("job type is required")
	}
	if strings.ContainsAny(s.JobType, `/\ `) {
		return fmt.Errorf("invalid job type %q", s.JobType)
	}
	if s.Source == nil {
		return fmt.Errorf("job %s: data source is required", s.JobType)
	}
	if s.BuildRequest == nil {
		return fmt.Errorf("job %s: request builder is required", s.JobType)
	}
	if len(s.Dependencies) > 0 && s.Loader == nil {
		return fmt.Errorf("job %s: dependencies declared without a result loader", s.JobType)
	}
	for _, b := range s.Dependencies {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", s.JobType, err)
		}
	}
	return nil
}

func (s *JobSpec) keySpec() record.KeySpec {
	if len(s.KeySpec.Fields) > 0 {
		return s.KeySpec
	}
	return s.Source.KeySpec().Normalize()
}

// Failure reasons recorded per item.
const (
	ReasonMissingKey        = "missing_key"
	ReasonDependencyMissing = "dependency_missing"
	ReasonPreprocessError   = "preprocess_error"
	ReasonRequestError      = "request_error"
	ReasonProviderError     = "provider_error"
	ReasonInvalidJSON       = validate.ReasonInvalidJSON
	ReasonSchemaViolation   = validate.ReasonSchemaViolation
	ReasonUnknownCustomID   = "unknown_custom_id"
	ReasonMissingOutput     = "missing_output"
)

// FailureRecord is one per-item failure. An empty Key marks the item as
// unrecoverable by retry.
type FailureRecord struct {
	CustomID string     `json:"custom_id,omitempty"`
	Key      record.Key `json:"key,omitempty"`
	Reason   string     `json:"reason"`
	Detail   string     `json:"detail,omitempty"`
}

// FailureReport is persisted as failures.json.
type FailureReport struct {
	JobType  string          `json:"job_type"`
	RunID    string          `json:"run_id"`
	Failures []FailureRecord `json:"failures"`
}

// ManifestItem maps a custom id to its natural key and raw key field values.
type ManifestItem struct {
	CustomID string         `json:"custom_id"`
	Key      record.Key     `json:"key"`
	Fields   map[string]any `json:"fields"`
}

// Manifest is persisted as manifest.json next to the input artifact.
type Manifest struct {
	JobType   string          `json:"job_type"`
	RunID     string          `json:"run_id"`
	KeyFields []string        `json:"key_fields"`
	Items     []ManifestItem  `json:"items"`
	Failures  []FailureRecord `json:"generation_failures,omitempty"`

	// Duplicates lists keys that appeared on more than one source row.
	// Only the first row of each key is submitted.
	Duplicates []record.Key `json:"duplicate_keys,omitempty"`
}

// CustomID formats the correlation id of the nth request (1-based).
func CustomID(n int) string {
	return fmt.Sprintf("item-%06d", n)
}
