package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/kgextract/pkg/artifact"
)

// Request is one inference request.
type Request struct {
	// Model overrides the provider's configured model when set.
	Model string `json:"model,omitempty"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Prompt is the user message.
	Prompt string `json:"prompt"`

	// MaxTokens caps the reply. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is optional; nil uses the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// JSON asks the provider for a JSON-only reply where supported.
	JSON bool `json:"json,omitempty"`
}

// TokenUsage counts tokens consumed by one or more calls.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is a model reply.
type Response struct {
	Text       string     `json:"text"`
	Model      string     `json:"model,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      TokenUsage `json:"usage"`
}

// InputLine is one line of a batch input artifact.
type InputLine struct {
	CustomID string  `json:"custom_id"`
	Request  Request `json:"request"`
}

// LineError describes a per-request failure reported by the provider.
type LineError struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// OutputLine is one line of a batch output artifact.
//
// Exactly one of Response and Error is set.
type OutputLine struct {
	CustomID string     `json:"custom_id"`
	Response *Response  `json:"response,omitempty"`
	Error    *LineError `json:"error,omitempty"`
}

// BatchInput is the artifact and metadata handed to Submit.
type BatchInput struct {
	// Data is the InputLine JSONL artifact.
	Data []byte

	// Metadata is attached to the remote run where supported.
	Metadata map[string]string
}

// DecodeInput parses an InputLine JSONL artifact.
func DecodeInput(data []byte) ([]InputLine, error) {
	var lines []InputLine
	err := artifact.DecodeJSONL(data, func(lineNo int, raw []byte) error {
		var l InputLine
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("input line %d: %w", lineNo, err)
		}
		if l.CustomID == "" {
			return fmt.Errorf("input line %d: custom_id is required", lineNo)
		}
		lines = append(lines, l)
		return nil
	})
	return lines, err
}

// Submission identifies a created remote run.
type Submission struct {
	// Ref is the provider's run reference.
	Ref string `json:"ref"`

	// InputArtifactID identifies the uploaded input.
	InputArtifactID string `json:"input_artifact_id"`
}

// RemoteState is the normalized provider-side state of a batch run.
type RemoteState string

// Remote states.
const (
	RemoteValidating RemoteState = "validating"
	RemoteInProgress RemoteState = "in_progress"
	RemoteFinalizing RemoteState = "finalizing"
	RemoteCancelling RemoteState = "cancelling"
	RemoteCompleted  RemoteState = "completed"
	RemoteFailed     RemoteState = "failed"
	RemoteExpired    RemoteState = "expired"
	RemoteCancelled  RemoteState = "cancelled"
)

// IsTerminal reports whether the remote run has stopped.
func (s RemoteState) IsTerminal() bool {
	switch s {
	case RemoteCompleted, RemoteFailed, RemoteExpired, RemoteCancelled:
		return true
	default:
		return false
	}
}

// Counts are per-request tallies reported by the provider.
type Counts struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
}

// BatchStatus is a point-in-time view of a remote run.
type BatchStatus struct {
	Ref      string      `json:"ref"`
	State    RemoteState `json:"state"`
	OutputID string      `json:"output_id,omitempty"`
	Counts   *Counts     `json:"counts,omitempty"`
	Message  string      `json:"message,omitempty"`
	EndedAt  *time.Time  `json:"ended_at,omitempty"`
}
