package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for provider operations.
var (
	// ErrNotFound indicates the referenced run or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidRequest indicates the provider rejected the request payload.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProviderUnavailable indicates the provider service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")

	// ErrOutputNotReady indicates Download was called before the run produced output.
	ErrOutputNotReady = errors.New("output not ready")
)

// ProviderError wraps provider-specific errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "Submit", "Complete").
	Op string

	// Provider is the provider name.
	Provider string

	// Ref is the remote run or artifact reference, if applicable.
	Ref string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing run or artifact.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsRetryable returns true for transient failures worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}

// ClassifyStatus maps an HTTP status code onto a sentinel error, or nil.
func ClassifyStatus(code int) error {
	switch {
	case code == 404:
		return ErrNotFound
	case code == 401 || code == 403:
		return ErrInvalidCredentials
	case code == 429:
		return ErrThrottled
	case code == 400 || code == 413 || code == 422:
		return ErrInvalidRequest
	case code >= 500:
		return ErrProviderUnavailable
	}
	return nil
}

// ClassifyMessage is the fallback for SDK errors that carry no typed status.
func ClassifyMessage(msg string) error {
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "RESOURCE_EXHAUSTED"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(strings.ToLower(msg), "quota"):
		return ErrThrottled
	case strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "UNAVAILABLE"),
		strings.Contains(msg, "503"):
		return ErrProviderUnavailable
	}
	return nil
}
