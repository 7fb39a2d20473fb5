// Package anthropic adapts the Anthropic Messages and Message Batches APIs to
// the provider contracts.
package anthropic

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/provider"
)

// Name is the provider identifier.
const Name = "anthropic"

// DefaultMaxTokens is used when neither the request nor the config sets one.
const DefaultMaxTokens = 8192

// Config configures the Anthropic adapter.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	BaseURL   string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("anthropic api key is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("anthropic model is required")
	}
	return nil
}

// Provider implements both provider.BatchProvider and provider.SyncProvider.
type Provider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

var (
	_ provider.BatchProvider = (*Provider)(nil)
	_ provider.SyncProvider  = (*Provider)(nil)
)

// New creates an Anthropic adapter.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Provider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}, nil
}

// Name returns "anthropic".
func (p *Provider) Name() string { return Name }

// WithModel returns a copy of p that defaults to model. Used to build tiers
// sharing one HTTP client.
func (p *Provider) WithModel(model string) *Provider {
	cp := *p
	if model != "" {
		cp.model = model
	}
	return &cp
}

func (p *Provider) messageParams(req *provider.Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

// Complete sends one Messages request.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req == nil {
		return nil, p.wrapError("Complete", "", fmt.Errorf("%w: nil request", provider.ErrInvalidRequest))
	}
	msg, err := p.client.Messages.New(ctx, p.messageParams(req))
	if err != nil {
		return nil, p.wrapError("Complete", "", err)
	}
	return toResponse(msg), nil
}

func toResponse(msg *anthropic.Message) *provider.Response {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &provider.Response{
		Text:       text.String(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: provider.TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
}

// Submit creates a Message Batch from the input artifact.
//
// The input artifact id is the content hash of the JSONL, since the batch API
// takes requests inline rather than as an uploaded file.
func (p *Provider) Submit(ctx context.Context, in provider.BatchInput) (*provider.Submission, error) {
	lines, err := provider.DecodeInput(in.Data)
	if err != nil {
		return nil, p.wrapError("Submit", "", fmt.Errorf("%w: %v", provider.ErrInvalidRequest, err))
	}
	if len(lines) == 0 {
		return nil, p.wrapError("Submit", "", fmt.Errorf("%w: empty input", provider.ErrInvalidRequest))
	}

	requests := make([]anthropic.MessageBatchNewParamsRequest, 0, len(lines))
	for i := range lines {
		mp := p.messageParams(&lines[i].Request)
		requests = append(requests, anthropic.MessageBatchNewParamsRequest{
			CustomID: lines[i].CustomID,
			Params: anthropic.MessageBatchNewParamsRequestParams{
				Model:       mp.Model,
				MaxTokens:   mp.MaxTokens,
				Messages:    mp.Messages,
				System:      mp.System,
				Temperature: mp.Temperature,
			},
		})
	}

	batch, err := p.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: requests})
	if err != nil {
		return nil, p.wrapError("Submit", "", err)
	}

	sum := sha256.Sum256(in.Data)
	return &provider.Submission{Ref: batch.ID, InputArtifactID: "sha256:" + hex.EncodeToString(sum[:])}, nil
}

// Status retrieves the batch and normalizes its processing status.
func (p *Provider) Status(ctx context.Context, ref string) (*provider.BatchStatus, error) {
	batch, err := p.client.Messages.Batches.Get(ctx, ref)
	if err != nil {
		return nil, p.wrapError("Status", ref, err)
	}

	rc := batch.RequestCounts
	counts := batchCounts{
		Succeeded:  rc.Succeeded,
		Errored:    rc.Errored,
		Canceled:   rc.Canceled,
		Expired:    rc.Expired,
		Processing: rc.Processing,
	}
	state := mapState(string(batch.ProcessingStatus))
	st := &provider.BatchStatus{
		Ref:   batch.ID,
		State: state,
		Counts: &provider.Counts{
			Total:      int(counts.total()),
			Succeeded:  int(rc.Succeeded),
			Failed:     int(rc.Errored + rc.Canceled + rc.Expired),
			Processing: int(rc.Processing),
		},
	}
	if state.IsTerminal() {
		ended := batch.EndedAt
		if !ended.IsZero() {
			st.EndedAt = &ended
		}
		if batch.ResultsURL != "" {
			st.OutputID = batch.ID
		}
	}
	return st, nil
}

type batchCounts struct {
	Succeeded, Errored, Canceled, Expired, Processing int64
}

func (c batchCounts) total() int64 {
	return c.Succeeded + c.Errored + c.Canceled + c.Expired + c.Processing
}

// mapState maps the batch processing status onto the remote vocabulary.
//
// An ended batch is completed whatever its request counts; errored, expired
// and canceled requests come back as per-line errors in the results.
func mapState(status string) provider.RemoteState {
	switch status {
	case "in_progress":
		return provider.RemoteInProgress
	case "canceling":
		return provider.RemoteCancelling
	case "ended":
		return provider.RemoteCompleted
	default:
		return provider.RemoteValidating
	}
}

// Download streams batch results and rewrites them as OutputLine JSONL.
func (p *Provider) Download(ctx context.Context, outputID string, w io.Writer) error {
	stream := p.client.Messages.Batches.ResultsStreaming(ctx, outputID)
	defer func() { _ = stream.Close() }()

	var lines []provider.OutputLine
	for stream.Next() {
		r := stream.Current()
		line := provider.OutputLine{CustomID: r.CustomID}
		switch r.Result.Type {
		case "succeeded":
			msg := r.Result.Message
			line.Response = toResponse(&msg)
		default:
			line.Error = &provider.LineError{Type: r.Result.Type, Message: r.Result.RawJSON()}
		}
		lines = append(lines, line)
	}
	if err := stream.Err(); err != nil {
		return p.wrapError("Download", outputID, err)
	}

	data, err := artifact.EncodeJSONL(lines)
	if err != nil {
		return p.wrapError("Download", outputID, err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return p.wrapError("Download", outputID, err)
	}
	return nil
}

// Cancel requests cancellation of the batch.
func (p *Provider) Cancel(ctx context.Context, ref string) error {
	if _, err := p.client.Messages.Batches.Cancel(ctx, ref); err != nil {
		return p.wrapError("Cancel", ref, err)
	}
	return nil
}

// wrapError converts SDK errors to provider errors with sentinel causes.
func (p *Provider) wrapError(op, ref string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: Name, Ref: ref, Err: err}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if sentinel := provider.ClassifyStatus(apiErr.StatusCode); sentinel != nil {
			wrapped.Err = fmt.Errorf("%w: %v", sentinel, err)
		}
		return wrapped
	}
	if sentinel := provider.ClassifyMessage(err.Error()); sentinel != nil {
		wrapped.Err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return wrapped
}
