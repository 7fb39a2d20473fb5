// Package providertest provides in-memory providers for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/3leaps/kgextract/pkg/provider"
)

// Func answers one request.
type Func func(ctx context.Context, req *provider.Request) (*provider.Response, error)

// Sync is a scripted SyncProvider that records every call.
type Sync struct {
	name string
	fn   Func

	mu    sync.Mutex
	calls []provider.Request
}

var _ provider.SyncProvider = (*Sync)(nil)

// NewSync returns a provider answering with fn.
func NewSync(name string, fn Func) *Sync {
	return &Sync{name: name, fn: fn}
}

// Echo returns a provider replying with text for every request.
func Echo(name, text string) *Sync {
	return NewSync(name, func(_ context.Context, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{
			Text:  text,
			Model: req.Model,
			Usage: provider.TokenUsage{InputTokens: int64(len(req.Prompt) / 4), OutputTokens: int64(len(text) / 4)},
		}, nil
	})
}

// Failing returns a provider that always fails with err.
func Failing(name string, err error) *Sync {
	return NewSync(name, func(context.Context, *provider.Request) (*provider.Response, error) {
		return nil, err
	})
}

// Name returns the configured name.
func (s *Sync) Name() string { return s.name }

// Complete records req and delegates to the script.
func (s *Sync) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	s.mu.Lock()
	s.calls = append(s.calls, *req)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fn(ctx, req)
}

// Calls returns a copy of the recorded requests.
func (s *Sync) Calls() []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Request(nil), s.calls...)
}

// CallCount returns the number of Complete calls.
func (s *Sync) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
