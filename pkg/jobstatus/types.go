package jobstatus

import (
	"time"

	"github.com/3leaps/kgextract/pkg/provider"
)

// RunStatus is the lifecycle state of a batch job run.
//
// NOTE: These values are persisted in status.json and are part of the stable
// on-disk contract.
type RunStatus string

const (
	StatusPending    RunStatus = "PENDING"
	StatusGenerated  RunStatus = "GENERATED"
	StatusSubmitted  RunStatus = "SUBMITTED"
	StatusValidating RunStatus = "VALIDATING"
	StatusInProgress RunStatus = "IN_PROGRESS"
	StatusFinalizing RunStatus = "FINALIZING"
	StatusCompleted  RunStatus = "COMPLETED"
	StatusFailed     RunStatus = "FAILED"
	StatusCancelled  RunStatus = "CANCELLED"
	StatusProcessed  RunStatus = "PROCESSED"
)

// IsTerminal reports whether no further lifecycle work is pending locally or
// remotely. A COMPLETED run is terminal: processing its results is optional
// operator follow-up and does not block a new run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusProcessed:
		return true
	default:
		return false
	}
}

// IsRemoteTerminal reports whether the remote run has reached a final state.
func (s RunStatus) IsRemoteTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsRemoteActive reports whether the run is submitted and still being worked on remotely.
func (s RunStatus) IsRemoteActive() bool {
	switch s {
	case StatusSubmitted, StatusValidating, StatusInProgress, StatusFinalizing:
		return true
	default:
		return false
	}
}

var transitions = map[RunStatus][]RunStatus{
	StatusPending:    {StatusGenerated, StatusFailed},
	StatusGenerated:  {StatusSubmitted, StatusFailed},
	StatusSubmitted:  {StatusValidating, StatusInProgress, StatusFinalizing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusValidating: {StatusInProgress, StatusFinalizing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusValidating, StatusFinalizing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusFinalizing: {StatusValidating, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusProcessed},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FromRemote maps a provider's normalized remote state onto the local enum.
func FromRemote(s provider.RemoteState) RunStatus {
	switch s {
	case provider.RemoteValidating:
		return StatusValidating
	case provider.RemoteInProgress:
		return StatusInProgress
	case provider.RemoteFinalizing, provider.RemoteCancelling:
		return StatusFinalizing
	case provider.RemoteCompleted:
		return StatusCompleted
	case provider.RemoteCancelled:
		return StatusCancelled
	case provider.RemoteFailed, provider.RemoteExpired:
		return StatusFailed
	default:
		return StatusInProgress
	}
}

// Counts are run-level record tallies.
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Estimate is the pre-submission size and cost estimate.
type Estimate struct {
	Requests      int     `json:"requests"`
	Bytes         int64   `json:"bytes"`
	ApproxTokens  int64   `json:"approx_tokens"`
	ApproxCostUSD float64 `json:"approx_cost_usd"`
}

// Lineage records where a retry run came from.
type Lineage struct {
	SourceRunID  string `json:"source_run_id"`
	RootRunID    string `json:"root_run_id"`
	RetryOrdinal int    `json:"retry_ordinal"`
	FilterReason string `json:"filter_reason,omitempty"`
}

// RunError is one error appended to a run's error list.
type RunError struct {
	At      time.Time `json:"at"`
	Phase   string    `json:"phase"`
	Message string    `json:"message"`
}

// JobRun is the persistent record of one run of a job type.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRun struct {
	JobType  string    `json:"job_type"`
	RunID    string    `json:"run_id"`
	Status   RunStatus `json:"status"`
	Provider string    `json:"provider"`
	Counts   Counts    `json:"counts"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	OutputPrefix     string `json:"output_prefix"`
	RemoteRef        string `json:"remote_ref,omitempty"`
	RemoteState      string `json:"remote_state,omitempty"`
	InputArtifactID  string `json:"input_artifact_id,omitempty"`
	OutputArtifactID string `json:"output_artifact_id,omitempty"`

	// RemoteCounts are the provider's request tallies from the last poll.
	RemoteCounts *provider.Counts `json:"remote_counts,omitempty"`

	Usage    provider.TokenUsage `json:"usage"`
	Estimate *Estimate           `json:"estimate,omitempty"`
	Lineage  *Lineage            `json:"lineage,omitempty"`
	Errors   []RunError          `json:"errors,omitempty"`
}

// AddError appends an error to the run's error list.
func (r *JobRun) AddError(at time.Time, phase string, err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, RunError{At: at.UTC(), Phase: phase, Message: err.Error()})
}
