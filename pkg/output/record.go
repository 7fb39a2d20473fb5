// Package output provides JSONL output for command results.
//
// Each line is a typed envelope carrying a run status, a per-item outcome,
// a failure, an error or a summary. Lines are self-contained and can be
// parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types follow the pattern kgextract.<type>.v<version>.
const (
	// TypeRun carries a batch run status snapshot.
	TypeRun = "kgextract.run.v1"

	// TypeItem carries one pipeline work item outcome.
	TypeItem = "kgextract.item.v1"

	// TypeFailure carries one per-item batch failure.
	TypeFailure = "kgextract.failure.v1"

	// TypeError carries a command-level error.
	TypeError = "kgextract.error.v1"

	// TypeSummary carries an end-of-command summary.
	TypeSummary = "kgextract.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// CorrelationID ties together every line written by one command.
	CorrelationID string `json:"correlation_id"`

	JobType string          `json:"job_type"`
	Data    json.RawMessage `json:"data"`
}

// ItemRecord is the payload for a pipeline work item outcome.
type ItemRecord struct {
	Key        string `json:"key"`
	Status     string `json:"status"`
	FailedStep string `json:"failed_step,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ErrorRecord is the payload for command-level errors. It names whichever
// identifiers the operator needs to act on the error.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
	Key     string `json:"key,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeActiveRun      = "ACTIVE_RUN"
	ErrCodeInvalid        = "INVALID"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeProvider       = "PROVIDER"
	ErrCodeThrottled      = "THROTTLED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeNothingToRetry = "NOTHING_TO_RETRY"
	ErrCodeInternal       = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
