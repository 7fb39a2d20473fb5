package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/batch"
	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/jobdef"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/retry"
)

// Exit codes.
const (
	ExitInvalidArgument            = foundry.ExitInvalidArgument
	ExitExternalServiceUnavailable = foundry.ExitExternalServiceUnavailable
	ExitFileNotFound               = foundry.ExitFileNotFound
	ExitFileReadError              = foundry.ExitFileReadError
	ExitFileWriteError             = foundry.ExitFileWriteError
	ExitSignalInt                  = foundry.ExitSignalInt
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (exit code %d): %v", e.Message, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// classify maps a domain error onto an exit code.
func classify(err error) int {
	var verrs jobdef.ValidationErrors
	switch {
	case errors.Is(err, context.Canceled):
		return ExitSignalInt
	case errors.Is(err, batch.ErrActiveRun),
		errors.Is(err, batch.ErrNotCompleted),
		errors.Is(err, batch.ErrNotActive),
		errors.Is(err, batch.ErrNoRequests),
		errors.Is(err, retry.ErrNothingToRetry),
		errors.Is(err, retry.ErrSourceNotProcessed),
		errors.Is(err, jobstatus.ErrInvalidTransition),
		errors.As(err, &verrs):
		return ExitInvalidArgument
	case errors.Is(err, jobstatus.ErrNotFound), artifact.IsNotFound(err):
		return ExitFileNotFound
	case errors.Is(err, depresolve.ErrMissingDependency):
		return ExitFileReadError
	}
	return ExitExternalServiceUnavailable
}

// fail wraps err with a classified exit code.
func fail(message string, err error) error {
	return exitError(classify(err), message, err)
}
