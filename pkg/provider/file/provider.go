// Package file implements a durable local batch provider.
//
// Submitted runs live under BaseDir/<ref>/ and are executed through a wrapped
// synchronous provider as the run is polled. All state is on disk, so a run
// created by one process can be polled and downloaded by another.
package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/provider"
)

// Name is the provider identifier.
const Name = "file"

const (
	inputFile  = "input.jsonl"
	outputFile = "output.jsonl"
	stateFile  = "state.json"
)

// Config configures the local batch provider.
type Config struct {
	// BaseDir holds one directory per submitted run.
	BaseDir string

	// Executor answers each request when the run executes.
	Executor provider.SyncProvider
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	return nil
}

// Provider implements provider.BatchProvider on the local filesystem.
type Provider struct {
	store *artifact.FileStore
	exec  provider.SyncProvider
	now   func() time.Time

	mu sync.Mutex
}

var _ provider.BatchProvider = (*Provider)(nil)

// runState is the persisted state of one local run.
type runState struct {
	Ref       string               `json:"ref"`
	State     provider.RemoteState `json:"state"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
	Counts    provider.Counts      `json:"counts"`
	CreatedAt time.Time            `json:"created_at"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// New creates a local batch provider.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := artifact.NewFileStore(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, err
	}
	return &Provider{store: store, exec: cfg.Executor, now: time.Now}, nil
}

// Name returns "file".
func (p *Provider) Name() string { return Name }

// Submit stores the input artifact and creates a run in the validating state.
func (p *Provider) Submit(ctx context.Context, in provider.BatchInput) (*provider.Submission, error) {
	lines, err := provider.DecodeInput(in.Data)
	if err != nil {
		return nil, p.wrapError("Submit", "", fmt.Errorf("%w: %v", provider.ErrInvalidRequest, err))
	}
	if len(lines) == 0 {
		return nil, p.wrapError("Submit", "", fmt.Errorf("%w: empty input", provider.ErrInvalidRequest))
	}

	ref := "local-" + uuid.NewString()
	if err := p.store.Put(ctx, artifact.Join(ref, inputFile), in.Data); err != nil {
		return nil, p.wrapError("Submit", ref, err)
	}
	st := &runState{
		Ref:       ref,
		State:     provider.RemoteValidating,
		Metadata:  in.Metadata,
		Counts:    provider.Counts{Total: len(lines), Processing: len(lines)},
		CreatedAt: p.now().UTC(),
	}
	if err := artifact.PutJSON(ctx, p.store, artifact.Join(ref, stateFile), st); err != nil {
		return nil, p.wrapError("Submit", ref, err)
	}

	sum := sha256.Sum256(in.Data)
	return &provider.Submission{Ref: ref, InputArtifactID: "sha256:" + hex.EncodeToString(sum[:])}, nil
}

// Status advances the run by one state and returns it.
//
// validating -> in_progress -> (execute) -> completed. The executing poll
// blocks until every request has been answered.
func (p *Provider) Status(ctx context.Context, ref string) (*provider.BatchStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.load(ctx, ref)
	if err != nil {
		return nil, p.wrapError("Status", ref, err)
	}

	switch st.State {
	case provider.RemoteValidating:
		st.State = provider.RemoteInProgress
		if err := p.save(ctx, st); err != nil {
			return nil, p.wrapError("Status", ref, err)
		}
	case provider.RemoteInProgress:
		if err := p.execute(ctx, st); err != nil {
			return nil, p.wrapError("Status", ref, err)
		}
	case provider.RemoteCancelling:
		p.end(st, provider.RemoteCancelled)
		if err := p.save(ctx, st); err != nil {
			return nil, p.wrapError("Status", ref, err)
		}
	}

	return p.view(st), nil
}

func (p *Provider) view(st *runState) *provider.BatchStatus {
	counts := st.Counts
	out := &provider.BatchStatus{
		Ref:     st.Ref,
		State:   st.State,
		Counts:  &counts,
		Message: st.Message,
		EndedAt: st.EndedAt,
	}
	if st.State == provider.RemoteCompleted {
		out.OutputID = st.Ref
	}
	return out
}

func (p *Provider) execute(ctx context.Context, st *runState) error {
	data, err := p.store.Get(ctx, artifact.Join(st.Ref, inputFile))
	if err != nil {
		return err
	}
	lines, err := provider.DecodeInput(data)
	if err != nil {
		return err
	}

	out := make([]provider.OutputLine, 0, len(lines))
	counts := provider.Counts{Total: len(lines)}
	for i := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := p.exec.Complete(ctx, &lines[i].Request)
		line := provider.OutputLine{CustomID: lines[i].CustomID}
		if err != nil {
			line.Error = &provider.LineError{Type: errorType(err), Message: err.Error()}
			counts.Failed++
		} else {
			line.Response = resp
			counts.Succeeded++
		}
		out = append(out, line)
	}

	if err := artifact.PutJSONL(ctx, p.store, artifact.Join(st.Ref, outputFile), out); err != nil {
		return err
	}
	st.Counts = counts
	p.end(st, provider.RemoteCompleted)
	return p.save(ctx, st)
}

func errorType(err error) string {
	switch {
	case provider.IsThrottled(err):
		return "rate_limit_error"
	case provider.IsRetryable(err):
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// Download copies the output artifact of a completed run to w.
func (p *Provider) Download(ctx context.Context, outputID string, w io.Writer) error {
	data, err := p.store.Get(ctx, artifact.Join(outputID, outputFile))
	if err != nil {
		if artifact.IsNotFound(err) {
			return p.wrapError("Download", outputID, provider.ErrOutputNotReady)
		}
		return p.wrapError("Download", outputID, err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return p.wrapError("Download", outputID, err)
	}
	return nil
}

// Cancel marks a non-terminal run as cancelling; the next poll completes it.
func (p *Provider) Cancel(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.load(ctx, ref)
	if err != nil {
		return p.wrapError("Cancel", ref, err)
	}
	if st.State.IsTerminal() {
		return nil
	}
	st.State = provider.RemoteCancelling
	return p.save(ctx, st)
}

func (p *Provider) end(st *runState, state provider.RemoteState) {
	now := p.now().UTC()
	st.State = state
	st.EndedAt = &now
	st.Counts.Processing = 0
}

func (p *Provider) load(ctx context.Context, ref string) (*runState, error) {
	if strings.TrimSpace(ref) == "" || strings.ContainsAny(ref, `/\`) {
		return nil, fmt.Errorf("invalid run ref %q", ref)
	}
	var st runState
	if err := artifact.GetJSON(ctx, p.store, artifact.Join(ref, stateFile), &st); err != nil {
		if artifact.IsNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (p *Provider) save(ctx context.Context, st *runState) error {
	return artifact.PutJSON(ctx, p.store, artifact.Join(st.Ref, stateFile), st)
}

func (p *Provider) wrapError(op, ref string, err error) error {
	return &provider.ProviderError{Op: op, Provider: Name, Ref: ref, Err: err}
}
