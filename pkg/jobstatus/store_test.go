package jobstatus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/provider"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fs, err := artifact.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	return NewStore(fs)
}

func TestStore_WriteGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	run := &JobRun{
		JobType:   "extract-provisions",
		RunID:     "20260119T120000Z",
		Status:    StatusSubmitted,
		CreatedAt: now,
		Lineage:   &Lineage{SourceRunID: "r0", RootRunID: "r0", RetryOrdinal: 1},
	}
	if err := s.Write(ctx, run); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get(ctx, run.JobType, run.RunID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Fatalf("status mismatch: got=%q", got.Status)
	}
	if got.Lineage == nil || got.Lineage.RetryOrdinal != 1 {
		t.Fatalf("lineage not persisted")
	}

	cur, err := s.Current(ctx, run.JobType)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if cur.RunID != run.RunID {
		t.Fatalf("current run mismatch: got=%q", cur.RunID)
	}
}

func TestStore_ActiveIgnoresTerminalRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	active, err := s.Active(ctx, "job")
	if err != nil || active != nil {
		t.Fatalf("expected no active run, got=%v err=%v", active, err)
	}

	run := &JobRun{JobType: "job", RunID: "r1", Status: StatusInProgress, CreatedAt: time.Now()}
	if err := s.Write(ctx, run); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	active, err = s.Active(ctx, "job")
	if err != nil || active == nil || active.RunID != "r1" {
		t.Fatalf("expected active r1, got=%v err=%v", active, err)
	}

	run.Status = StatusCancelled
	if err := s.Write(ctx, run); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	active, err = s.Active(ctx, "job")
	if err != nil || active != nil {
		t.Fatalf("expected no active run after cancel, got=%v err=%v", active, err)
	}
}

func TestStore_OlderRunDoesNotReplaceCurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	old := &JobRun{JobType: "job", RunID: "r1", Status: StatusCompleted, CreatedAt: t1}
	newer := &JobRun{JobType: "job", RunID: "r2", Status: StatusCompleted, CreatedAt: t2}
	for _, r := range []*JobRun{old, newer} {
		if err := s.Write(ctx, r); err != nil {
			t.Fatalf("Write(%s) error: %v", r.RunID, err)
		}
	}

	old.Status = StatusProcessed
	if err := s.Write(ctx, old); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	cur, err := s.Current(ctx, "job")
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if cur.RunID != "r2" {
		t.Fatalf("expected current r2, got=%q", cur.RunID)
	}

	runs, err := s.List(ctx, "job")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r2" {
		t.Fatalf("expected newest first, got=%v", runs)
	}

	processed, err := s.LatestWithStatus(ctx, "job", StatusProcessed)
	if err != nil || processed.RunID != "r1" {
		t.Fatalf("LatestWithStatus() got=%v err=%v", processed, err)
	}

	types, err := s.JobTypes(ctx)
	if err != nil || len(types) != 1 || types[0] != "job" {
		t.Fatalf("JobTypes() got=%v err=%v", types, err)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "job", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransition(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	run := &JobRun{JobType: "job", RunID: "r1", Status: StatusPending}

	steps := []RunStatus{StatusGenerated, StatusSubmitted, StatusValidating, StatusInProgress, StatusCompleted, StatusProcessed}
	for _, to := range steps {
		if err := Transition(run, to, now); err != nil {
			t.Fatalf("Transition(%s) error: %v", to, err)
		}
	}
	if run.SubmittedAt == nil || run.CompletedAt == nil || run.ProcessedAt == nil {
		t.Fatalf("timestamps not stamped: %+v", run)
	}

	err := Transition(run, StatusInProgress, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransition_ProcessOnlyFromCompleted(t *testing.T) {
	for _, from := range []RunStatus{StatusFailed, StatusCancelled, StatusInProgress} {
		run := &JobRun{Status: from}
		if err := Transition(run, StatusProcessed, time.Now()); err == nil {
			t.Fatalf("expected error processing from %s", from)
		}
	}
}

func TestFromRemote(t *testing.T) {
	cases := map[provider.RemoteState]RunStatus{
		provider.RemoteValidating: StatusValidating,
		provider.RemoteInProgress: StatusInProgress,
		provider.RemoteCancelling: StatusFinalizing,
		provider.RemoteCompleted:  StatusCompleted,
		provider.RemoteExpired:    StatusFailed,
		provider.RemoteCancelled:  StatusCancelled,
	}
	for in, want := range cases {
		if got := FromRemote(in); got != want {
			t.Fatalf("FromRemote(%s)=%s want %s", in, got, want)
		}
	}
}

func TestRunStatus_IsTerminal(t *testing.T) {
	for _, s := range []RunStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusProcessed} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{StatusPending, StatusGenerated, StatusSubmitted, StatusFinalizing} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
