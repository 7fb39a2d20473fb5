package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/provider/providertest"
	"github.com/3leaps/kgextract/pkg/record"
	"github.com/3leaps/kgextract/pkg/resultset"
	"github.com/3leaps/kgextract/pkg/validate"
)

const jobType = "decision-graph"

func noSleep(context.Context, time.Duration) error { return nil }

func newStore(t *testing.T) *artifact.FileStore {
	t.Helper()
	s, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func item(id string) WorkItem {
	rec := record.Record{"decision_id": id, "language": "FR", "text": "Vu l'article 1382 du Code civil"}
	return WorkItem{Key: record.Key(id + "|FR"), Record: rec}
}

// counter is a compute step that counts executions and can be told to fail.
type counter struct {
	calls atomic.Int32
	fail  atomic.Bool
	value any
}

func (c *counter) run(context.Context, *StepContext) (any, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("boom")
	}
	return c.value, nil
}

func TestNewGraph(t *testing.T) {
	run := func(context.Context, *StepContext) (any, error) { return nil, nil }

	t.Run("stable topological order", func(t *testing.T) {
		g, err := NewGraph([]Step{
			{ID: "summarize", DependsOn: []string{"extract", "fetch"}, Run: run},
			{ID: "fetch", Run: run},
			{ID: "extract", DependsOn: []string{"fetch"}, Run: run},
			{ID: "snippets", Run: run},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"fetch", "extract", "snippets", "summarize"}, g.Order())
	})

	tests := []struct {
		name  string
		steps []Step
	}{
		{"cycle", []Step{{ID: "a", DependsOn: []string{"b"}, Run: run}, {ID: "b", DependsOn: []string{"a"}, Run: run}}},
		{"unknown dependency", []Step{{ID: "a", DependsOn: []string{"zzz"}, Run: run}}},
		{"duplicate id", []Step{{ID: "a", Run: run}, {ID: "a", Run: run}}},
		{"self dependency", []Step{{ID: "a", DependsOn: []string{"a"}, Run: run}}},
		{"missing run", []Step{{ID: "a"}}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.steps)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidGraph))
		})
	}
}

func TestRetryPolicy_TierFor(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, provider.TierStandard, p.TierFor(1, 3))
	assert.Equal(t, provider.TierStandard, p.TierFor(2, 3))
	assert.Equal(t, provider.TierEscalated, p.TierFor(3, 3))

	p.Ladder = []string{"small", "large"}
	assert.Equal(t, "small", p.TierFor(1, 4))
	assert.Equal(t, "small", p.TierFor(3, 4))
	assert.Equal(t, "large", p.TierFor(4, 4))

	p.Ladder = []string{"small", "medium", "large"}
	assert.Equal(t, "medium", p.TierFor(2, 5))
	assert.Equal(t, "medium", p.TierFor(4, 5))
	assert.Equal(t, "large", p.TierFor(5, 5))
}

func TestRun_ResumeDoesNotReexecuteCompletedSteps(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := &counter{value: map[string]any{"a": 1.0}}
	b := &counter{value: map[string]any{"b": 2.0}}
	c := &counter{value: map[string]any{"c": 3.0}}
	c.fail.Store(true)

	g, err := NewGraph([]Step{
		{ID: "a", Run: a.run},
		{ID: "b", DependsOn: []string{"a"}, Run: b.run},
		{ID: "c", DependsOn: []string{"b"}, Run: c.run},
	})
	require.NoError(t, err)
	orch, err := New(jobType, g, store, WithSleep(noSleep))
	require.NoError(t, err)

	it := item("d1")
	st, err := orch.Run(ctx, it, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.EqualValues(t, 2, c.calls.Load())

	aBefore, err := store.Get(ctx, artifact.StepResultPath(jobType, it.Key, "a"))
	require.NoError(t, err)
	bBefore, err := store.Get(ctx, artifact.StepResultPath(jobType, it.Key, "b"))
	require.NoError(t, err)

	// Without Rerun a failed item is left alone.
	_, err = orch.Run(ctx, it, RunOptions{})
	assert.True(t, errors.Is(err, ErrItemFailed))
	assert.EqualValues(t, 2, c.calls.Load())

	c.fail.Store(false)
	st, err = orch.Run(ctx, it, RunOptions{Rerun: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)

	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 1, b.calls.Load())
	assert.EqualValues(t, 3, c.calls.Load())

	aAfter, err := store.Get(ctx, artifact.StepResultPath(jobType, it.Key, "a"))
	require.NoError(t, err)
	bAfter, err := store.Get(ctx, artifact.StepResultPath(jobType, it.Key, "b"))
	require.NoError(t, err)
	assert.Equal(t, aBefore, aAfter)
	assert.Equal(t, bBefore, bAfter)

	// Completed items are not touched again.
	_, err = orch.Run(ctx, it, RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.calls.Load())
}

func TestRun_LoadStateRepopulatesResults(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := &counter{value: map[string]any{"provisions": []any{"art. 1"}}}
	var seen any
	g, err := NewGraph([]Step{
		{ID: "a", Run: a.run},
		{ID: "b", DependsOn: []string{"a"}, Run: func(_ context.Context, sc *StepContext) (any, error) {
			seen = sc.Results["a"]
			return "ok", nil
		}},
	})
	require.NoError(t, err)
	orch, err := New(jobType, g, store, WithSleep(noSleep))
	require.NoError(t, err)

	it := item("d1")
	_, err = orch.Run(ctx, it, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"provisions": []any{"art. 1"}}, seen)

	st, results, err := orch.LoadState(ctx, it.Key)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "ok", results["b"])

	st, results, err = orch.LoadState(ctx, "missing|FR")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Nil(t, results)
}

func tiers(t *testing.T, standard, escalated provider.SyncProvider) *provider.TierSet {
	t.Helper()
	ts, err := provider.NewTierSet(
		provider.Tier{Name: provider.TierStandard, Model: "small-model", Client: standard},
		provider.Tier{Name: provider.TierEscalated, Model: "large-model", Client: escalated},
	)
	require.NoError(t, err)
	return ts
}

func promptFromText(sc *StepContext) (*provider.Request, error) {
	return &provider.Request{Prompt: fmt.Sprint(sc.Item.Record["text"]), MaxTokens: 512}, nil
}

func TestRun_EscalatesOnFinalAttempt(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	standard := providertest.Echo("standard", "not json at all")
	escalated := providertest.Echo("escalated", `{"provisions":["art. 1382"]}`)

	g, err := NewGraph([]Step{{
		ID:   "extract",
		Kind: KindInference,
		Run:  InferenceStep(promptFromText, validate.RequireFields("provisions")),
	}})
	require.NoError(t, err)
	orch, err := New(jobType, g, store, WithTiers(tiers(t, standard, escalated)), WithSleep(noSleep))
	require.NoError(t, err)

	st, err := orch.Run(ctx, item("d1"), RunOptions{})
	require.NoError(t, err)

	ss := st.Steps["extract"]
	assert.Equal(t, StatusCompleted, ss.Status)
	assert.Equal(t, 3, ss.Attempts)
	assert.Equal(t, provider.TierEscalated, ss.Tier)

	require.Equal(t, 2, standard.CallCount())
	require.Equal(t, 1, escalated.CallCount())
	for _, c := range standard.Calls() {
		assert.Equal(t, "small-model", c.Model)
	}
	assert.Equal(t, "large-model", escalated.Calls()[0].Model)
}

func TestRun_FailFastLeavesDownstreamPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fetch := &counter{value: map[string]any{"text": "..."}}
	summarize := &counter{value: "summary"}
	failing := providertest.Failing("flaky", fmt.Errorf("%w: 429", provider.ErrThrottled))

	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	g, err := NewGraph([]Step{
		{ID: "fetch", Run: fetch.run},
		{ID: "extract", DependsOn: []string{"fetch"}, Kind: KindInference, Run: InferenceStep(promptFromText, nil)},
		{ID: "summarize", DependsOn: []string{"extract"}, Run: summarize.run},
	})
	require.NoError(t, err)
	policy := DefaultRetryPolicy()
	policy.Delay = 10 * time.Millisecond
	orch, err := New(jobType, g, store, WithTiers(tiers(t, failing, failing)), WithPolicy(policy), WithSleep(sleep))
	require.NoError(t, err)

	it := item("d1")
	st, err := orch.Run(ctx, it, RunOptions{})
	require.Error(t, err)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "extract", se.Step)
	assert.Equal(t, it.Key, se.Key)
	assert.True(t, errors.Is(err, provider.ErrThrottled))

	assert.Equal(t, StatusFailed, st.Status)
	assert.EqualValues(t, 0, summarize.calls.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)

	persisted, _, err := orch.LoadState(ctx, it.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, persisted.Status)
	assert.Equal(t, "extract", persisted.CurrentStep)
	assert.Equal(t, 3, persisted.Steps["extract"].Attempts)
	assert.Equal(t, StatusCompleted, persisted.Steps["fetch"].Status)
	assert.Equal(t, StatusPending, persisted.Steps["summarize"].Status)
	assert.Zero(t, persisted.Steps["summarize"].Attempts)

	exists, err := store.Exists(ctx, artifact.PipelineOutputPath(jobType, it.Key))
	require.NoError(t, err)
	assert.False(t, exists)
}

type stubLoader map[string]*resultset.Set

func (l stubLoader) Load(_ context.Context, stage string) (*resultset.Set, error) {
	s, ok := l[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", resultset.ErrUnknownStage, stage)
	}
	return s, nil
}

func TestRun_MissingRequiredBindingIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	spec := record.DefaultKeySpec()
	loader := stubLoader{
		"provisions": resultset.NewSet("provisions", spec, []record.Record{
			{"decision_id": "d2", "language": "FR", "provisions": []any{"art. 5"}},
		}),
	}
	step := &counter{value: "x"}
	g, err := NewGraph([]Step{{
		ID:       "interpret",
		Bindings: []depresolve.Binding{{Stage: "provisions", Required: true}},
		Run:      step.run,
	}})
	require.NoError(t, err)
	orch, err := New(jobType, g, store, WithResolver(depresolve.New(loader, spec)), WithSleep(noSleep))
	require.NoError(t, err)

	st, err := orch.Run(ctx, item("d1"), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, depresolve.ErrMissingDependency))
	assert.Contains(t, err.Error(), `"provisions"`)
	assert.EqualValues(t, 0, step.calls.Load())
	assert.Equal(t, 0, st.Steps["interpret"].Attempts)

	var seen record.Record
	g, err = NewGraph([]Step{{
		ID:       "interpret",
		Bindings: []depresolve.Binding{{Stage: "provisions", Alias: "prov", Required: true}},
		Run: func(_ context.Context, sc *StepContext) (any, error) {
			seen = sc.Deps["prov"]
			return "ok", nil
		},
	}})
	require.NoError(t, err)
	orch, err = New("other-job", g, store, WithResolver(depresolve.New(loader, spec)), WithSleep(noSleep))
	require.NoError(t, err)
	_, err = orch.Run(ctx, item("d2"), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"art. 5"}, seen["provisions"])
}

func TestRun_AggregatesOutputAndAppliesTransform(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	g, err := NewGraph([]Step{
		{
			ID:  "extract",
			Run: func(context.Context, *StepContext) (any, error) { return map[string]any{"provisions": []any{map[string]any{"seq": 1.0}}}, nil },
			Transform: func(it WorkItem, v any) (any, error) {
				m := v.(map[string]any)
				m["decision"] = it.Record["decision_id"]
				return m, nil
			},
			Output: []record.FieldRule{{From: "provisions", To: "cited_provisions"}, {From: "decision"}},
		},
		{
			ID:     "meta",
			Run:    func(context.Context, *StepContext) (any, error) { return map[string]any{"court": "CASS", "year": 2023.0}, nil },
			Output: []record.FieldRule{{From: "", Flatten: true, Prefix: "meta_"}},
		},
		{ID: "raw", Run: func(context.Context, *StepContext) (any, error) { return "plain", nil }},
	})
	require.NoError(t, err)
	orch, err := New(jobType, g, store, WithSleep(noSleep))
	require.NoError(t, err)

	it := item("d7")
	_, err = orch.Run(ctx, it, RunOptions{})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, artifact.GetJSON(ctx, store, artifact.PipelineOutputPath(jobType, it.Key), &out))
	assert.Equal(t, "d7", out["decision_id"])
	assert.Equal(t, "FR", out["language"])
	assert.Equal(t, "d7", out["decision"])
	assert.Equal(t, []any{map[string]any{"seq": 1.0}}, out["cited_provisions"])
	assert.Equal(t, "CASS", out["meta_court"])
	assert.Equal(t, "plain", out["raw"])
}

func TestRunner_RunAll(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	g, err := NewGraph([]Step{{
		ID: "extract",
		Run: func(_ context.Context, sc *StepContext) (any, error) {
			sc.RecordUsage(provider.TokenUsage{InputTokens: 10, OutputTokens: 5})
			if sc.Item.Record["decision_id"] == "d3" {
				return nil, errors.New("unreadable decision")
			}
			return map[string]any{"ok": true}, nil
		},
	}})
	require.NoError(t, err)
	orch, err := New(jobType, g, store, WithSleep(noSleep))
	require.NoError(t, err)

	var items []WorkItem
	for i := 1; i <= 6; i++ {
		items = append(items, item(fmt.Sprintf("d%d", i)))
	}

	r := NewRunner(orch, 3, nil)
	sum, err := r.RunAll(ctx, items, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, 5, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "extract", sum.Items["d3|FR"].FailedStep)
	// d3 ran twice (compute budget), everything else once.
	assert.EqualValues(t, 7*10, sum.Usage.InputTokens)

	persisted, err := r.LoadSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, persisted.Completed)
	assert.Equal(t, 1, persisted.Failed)

	// A second pass keeps the failed item failed and completed items untouched.
	sum, err = NewRunner(orch, 2, nil).RunAll(ctx, items, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
}

// blocker is a compute step that waits for ctx to end while block is set.
type blocker struct {
	calls   atomic.Int32
	block   atomic.Bool
	started chan struct{}
}

func (b *blocker) run(ctx context.Context, _ *StepContext) (any, error) {
	b.calls.Add(1)
	if !b.block.Load() {
		return "done", nil
	}
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_CancellationLeavesItemResumable(t *testing.T) {
	store := newStore(t)
	a := &counter{value: "a"}
	b := &blocker{started: make(chan struct{})}
	b.block.Store(true)

	g, err := NewGraph([]Step{
		{ID: "a", Run: a.run},
		{ID: "b", DependsOn: []string{"a"}, Run: b.run},
	})
	require.NoError(t, err)
	orch, err := New(jobType, g, store, WithSleep(noSleep))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.started
		cancel()
	}()

	it := item("d1")
	st, err := orch.Run(ctx, it, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	var se *StepError
	assert.False(t, errors.As(err, &se))
	assert.Equal(t, StatusRunning, st.Status)

	persisted, _, err := orch.LoadState(context.Background(), it.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, persisted.Status)
	assert.Empty(t, persisted.Error)
	assert.Equal(t, "b", persisted.CurrentStep)
	assert.Equal(t, StatusCompleted, persisted.Steps["a"].Status)
	assert.Equal(t, StatusRunning, persisted.Steps["b"].Status)
	assert.Equal(t, 1, persisted.Steps["b"].Attempts)

	// A plain pass resumes at b and repeats the interrupted attempt.
	b.block.Store(false)
	st, err = orch.Run(context.Background(), it, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.Steps["b"].Attempts)
	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 2, b.calls.Load())
}

func TestRun_CancelledBackoffResumesAtNextAttempt(t *testing.T) {
	store := newStore(t)
	c := &counter{value: "ok"}
	c.fail.Store(true)

	g, err := NewGraph([]Step{{ID: "extract", Run: c.run}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	orch, err := New(jobType, g, store, WithSleep(sleep))
	require.NoError(t, err)

	it := item("d1")
	_, err = orch.Run(ctx, it, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)

	persisted, _, err := orch.LoadState(context.Background(), it.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, persisted.Status)
	assert.Equal(t, StatusPending, persisted.Steps["extract"].Status)
	assert.Equal(t, 1, persisted.Steps["extract"].Attempts)

	c.fail.Store(false)
	orch, err = New(jobType, g, store, WithSleep(noSleep))
	require.NoError(t, err)
	st, err := orch.Run(context.Background(), it, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Steps["extract"].Attempts)
	assert.EqualValues(t, 2, c.calls.Load())
}

func TestRunner_RunAllCancelledDoesNotRecordFailures(t *testing.T) {
	store := newStore(t)
	var started atomic.Int32
	ready := make(chan struct{})

	g, err := NewGraph([]Step{{
		ID: "extract",
		Run: func(ctx context.Context, _ *StepContext) (any, error) {
			if started.Add(1) == 2 {
				close(ready)
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})
	require.NoError(t, err)
	orch, err := New(jobType, g, store, WithSleep(noSleep))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ready
		cancel()
	}()

	items := []WorkItem{item("d1"), item("d2")}
	r := NewRunner(orch, 2, nil)
	sum, err := r.RunAll(ctx, items, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sum.Failed)

	for _, it := range items {
		st, _, err := orch.LoadState(context.Background(), it.Key)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, st.Status, it.Key)
	}
}

func TestRun_ResumeMidStepKeepsAttemptBudget(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		step          StepState
		wantErr       error
		wantStandard  int
		wantEscalated int
	}{
		{
			name:          "interrupted final attempt repeats on escalated tier",
			step:          StepState{Status: StatusRunning, Attempts: 3, Tier: provider.TierEscalated},
			wantEscalated: 1,
		},
		{
			name:         "failed between attempts continues with the next one",
			step:         StepState{Status: StatusFailed, Attempts: 1, Tier: provider.TierStandard},
			wantStandard: 1,
		},
		{
			name:    "failed final attempt is not retried",
			step:    StepState{Status: StatusFailed, Attempts: 3, Tier: provider.TierEscalated, Error: "bad output"},
			wantErr: ErrAttemptsExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			standard := providertest.Echo("standard", `{"provisions":["art. 1"]}`)
			escalated := providertest.Echo("escalated", `{"provisions":["art. 1382"]}`)

			g, err := NewGraph([]Step{{
				ID:   "extract",
				Kind: KindInference,
				Run:  InferenceStep(promptFromText, validate.RequireFields("provisions")),
			}})
			require.NoError(t, err)
			orch, err := New(jobType, g, store, WithTiers(tiers(t, standard, escalated)), WithSleep(noSleep))
			require.NoError(t, err)

			it := item("d1")
			crashed := newState(jobType, it.Key, g.Order(), time.Now().UTC())
			crashed.Status = StatusRunning
			crashed.CurrentStep = "extract"
			ss := tt.step
			crashed.Steps["extract"] = &ss
			require.NoError(t, orch.save(ctx, crashed))

			st, err := orch.Run(ctx, it, RunOptions{})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, StatusFailed, st.Status)
			} else {
				require.NoError(t, err)
				assert.Equal(t, StatusCompleted, st.Status)
			}
			assert.LessOrEqual(t, st.Steps["extract"].Attempts, DefaultRetryPolicy().Attempts(KindInference))
			assert.Equal(t, tt.wantStandard, standard.CallCount())
			assert.Equal(t, tt.wantEscalated, escalated.CallCount())
		})
	}
}
