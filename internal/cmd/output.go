package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/output"
)

// emitter writes JSONL records with --json and human text otherwise.
type emitter struct {
	w *output.JSONLWriter
}

func newEmitter(jobType string) *emitter {
	if !jsonOutput {
		return &emitter{}
	}
	return &emitter{w: output.NewJSONLWriter(os.Stdout, jobType)}
}

func (e *emitter) json() bool { return e.w != nil }

func (e *emitter) run(ctx context.Context, run *jobstatus.JobRun) error {
	if e.json() {
		return e.w.WriteRun(ctx, run)
	}
	printRun(run)
	return nil
}

func (e *emitter) summary(ctx context.Context, v any, text string) error {
	if e.json() {
		return e.w.WriteSummary(ctx, v)
	}
	_, _ = fmt.Fprintln(os.Stdout, text)
	return nil
}

func printRun(run *jobstatus.JobRun) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	row := func(k, v string) { _, _ = fmt.Fprintf(tw, "%s\t%s\n", k, v) }
	row("Job type:", run.JobType)
	row("Run:", run.RunID)
	row("Status:", string(run.Status))
	if run.RemoteState != "" {
		row("Remote state:", run.RemoteState)
	}
	row("Provider:", run.Provider)
	row("Created:", humanTime(run.CreatedAt))
	row("Updated:", humanTime(run.UpdatedAt))
	row("Records:", fmt.Sprintf("%d total, %d succeeded, %d failed", run.Counts.Total, run.Counts.Succeeded, run.Counts.Failed))
	if rc := run.RemoteCounts; rc != nil {
		row("Remote:", fmt.Sprintf("%d total, %d succeeded, %d failed, %d processing", rc.Total, rc.Succeeded, rc.Failed, rc.Processing))
	}
	if est := run.Estimate; est != nil {
		row("Estimate:", fmt.Sprintf("%s requests, %s, ~%s tokens, ~$%.2f",
			humanize.Comma(int64(est.Requests)), humanize.Bytes(uint64(est.Bytes)), humanize.Comma(est.ApproxTokens), est.ApproxCostUSD))
	}
	if run.Usage.Total() > 0 {
		row("Usage:", fmt.Sprintf("%s input, %s output tokens", humanize.Comma(run.Usage.InputTokens), humanize.Comma(run.Usage.OutputTokens)))
	}
	if l := run.Lineage; l != nil {
		row("Retry of:", fmt.Sprintf("%s (root %s, r%02d)", l.SourceRunID, l.RootRunID, l.RetryOrdinal))
	}
	row("Output:", run.OutputPrefix)
	for _, e := range run.Errors {
		row("Error:", fmt.Sprintf("[%s] %s", e.Phase, e.Message))
	}
	_ = tw.Flush()
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.Time(t))
}

func listRuns(ctx context.Context, jobType string, runs []jobstatus.JobRun) error {
	em := newEmitter(jobType)
	if em.json() {
		for i := range runs {
			if err := em.w.WriteRun(ctx, &runs[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "No runs for %s\n", jobType)
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSTATUS\tRECORDS\tSUCCEEDED\tFAILED\tCREATED")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID, r.Status, r.Counts.Total, r.Counts.Succeeded, r.Counts.Failed, humanize.Time(r.CreatedAt))
	}
	return tw.Flush()
}
