// Package provider defines the inference back-end contracts.
//
// Two capabilities are modeled: an asynchronous batch provider with
// upload/poll/download semantics, and a synchronous request/response
// provider. Authentication is the concern of each implementation's SDK;
// callers only see these interfaces and the sentinel errors in errors.go.
package provider

import (
	"context"
	"io"
)

// BatchProvider runs a set of requests asynchronously.
//
// Implementations should:
//   - Return identifiers that stay valid across process restarts
//   - Report remote states using the RemoteState vocabulary
//   - Be safe for concurrent use
type BatchProvider interface {
	// Name returns the provider identifier (e.g., "anthropic").
	Name() string

	// Submit uploads the input artifact and creates the remote run.
	Submit(ctx context.Context, in BatchInput) (*Submission, error)

	// Status returns the current remote state of ref.
	Status(ctx context.Context, ref string) (*BatchStatus, error)

	// Download writes the output artifact as OutputLine JSONL to w.
	Download(ctx context.Context, outputID string, w io.Writer) error

	// Cancel asks the provider to stop the remote run.
	Cancel(ctx context.Context, ref string) error
}

// SyncProvider answers one request at a time.
type SyncProvider interface {
	// Name returns the provider identifier.
	Name() string

	// Complete sends req and returns the model's reply.
	// A hung call is bounded by the implementation's own timeout.
	Complete(ctx context.Context, req *Request) (*Response, error)
}
