// Package gemini adapts the Gemini generate-content API to provider.SyncProvider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/3leaps/kgextract/pkg/provider"
)

// Name is the provider identifier.
const Name = "gemini"

// Config configures the Gemini adapter.
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("gemini model is required")
	}
	return nil
}

// Provider implements provider.SyncProvider.
type Provider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

var _ provider.SyncProvider = (*Provider)(nil)

// New creates a Gemini adapter.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: Name, Err: err}
	}
	return &Provider{client: client, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// Name returns "gemini".
func (p *Provider) Name() string { return Name }

// WithModel returns a copy of p that defaults to model.
func (p *Provider) WithModel(model string) *Provider {
	cp := *p
	if model != "" {
		cp.model = model
	}
	return &cp
}

func generateConfig(req *provider.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// Complete sends one generate-content request.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req == nil {
		return nil, p.wrapError("Complete", fmt.Errorf("%w: nil request", provider.ErrInvalidRequest))
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, generateConfig(req))
	if err != nil {
		return nil, p.wrapError("Complete", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, p.wrapError("Complete", fmt.Errorf("%w: empty response", provider.ErrProviderUnavailable))
	}
	out := &provider.Response{Text: text, Model: model}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = provider.TokenUsage{
			InputTokens:  int64(u.PromptTokenCount),
			OutputTokens: int64(u.CandidatesTokenCount),
		}
	}
	return out, nil
}

func (p *Provider) wrapError(op string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: Name, Err: err}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if sentinel := provider.ClassifyStatus(apiErr.Code); sentinel != nil {
			wrapped.Err = fmt.Errorf("%w: %v", sentinel, err)
		}
		return wrapped
	}
	if sentinel := provider.ClassifyMessage(err.Error()); sentinel != nil {
		wrapped.Err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return wrapped
}
