package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/record"
	"github.com/3leaps/kgextract/pkg/validate"
)

// ProcessReport summarizes one processing pass.
type ProcessReport struct {
	JobType   string              `json:"job_type"`
	RunID     string              `json:"run_id"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	ByReason  map[string]int      `json:"by_reason,omitempty"`
	Usage     provider.TokenUsage `json:"usage"`
}

// ProcessResults downloads the output of a COMPLETED run, validates every
// line and writes successes.jsonl and failures.json. An empty runID selects
// the current run of jobType.
//
// Malformed or errored lines become failure records; they never abort
// processing. The run moves to PROCESSED.
func (o *Orchestrator) ProcessResults(ctx context.Context, jobType, runID string, val validate.Validator) (*ProcessReport, error) {
	var (
		run *jobstatus.JobRun
		err error
	)
	if runID == "" {
		run, err = o.status.Current(ctx, jobType)
	} else {
		run, err = o.status.Get(ctx, jobType, runID)
	}
	if err != nil {
		return nil, err
	}
	if run.Status != jobstatus.StatusCompleted {
		return nil, fmt.Errorf("%w: job type %s run %s is %s", ErrNotCompleted, run.JobType, run.RunID, run.Status)
	}
	log := o.logger.With(zap.String("job_type", run.JobType), zap.String("run_id", run.RunID))

	manifest, err := o.Manifest(ctx, run)
	if err != nil {
		return nil, err
	}

	outputID := run.OutputArtifactID
	if outputID == "" {
		outputID = run.RemoteRef
	}
	var buf bytes.Buffer
	if err := o.provider.Download(ctx, outputID, &buf); err != nil {
		return nil, fmt.Errorf("download output for %s run %s: %w", run.JobType, run.RunID, err)
	}
	if err := o.store.Put(ctx, artifact.Join(run.OutputPrefix, artifact.OutputFile), buf.Bytes()); err != nil {
		return nil, err
	}

	items := make(map[string]ManifestItem, len(manifest.Items))
	for _, it := range manifest.Items {
		items[it.CustomID] = it
	}
	seen := make(map[string]bool, len(manifest.Items))

	var (
		successes []record.Record
		failures  []FailureRecord
		usage     provider.TokenUsage
	)
	fail := func(id string, key record.Key, reason, detail string) {
		failures = append(failures, FailureRecord{CustomID: id, Key: key, Reason: reason, Detail: detail})
	}

	err = artifact.DecodeJSONL(buf.Bytes(), func(lineNo int, line []byte) error {
		var out provider.OutputLine
		if err := json.Unmarshal(line, &out); err != nil {
			fail("", "", ReasonInvalidJSON, fmt.Sprintf("output line %d: %v", lineNo, err))
			return nil
		}
		it, ok := items[out.CustomID]
		if !ok {
			fail(out.CustomID, "", ReasonUnknownCustomID, fmt.Sprintf("output line %d", lineNo))
			return nil
		}
		if seen[out.CustomID] {
			log.Warn("Duplicate output line ignored", zap.String("custom_id", out.CustomID))
			return nil
		}
		seen[out.CustomID] = true

		if out.Error != nil || out.Response == nil {
			detail := "no response"
			if out.Error != nil {
				detail = out.Error.Type + ": " + out.Error.Message
			}
			fail(it.CustomID, it.Key, ReasonProviderError, detail)
			return nil
		}
		usage.Add(out.Response.Usage)

		v, err := validate.Decode(out.Response.Text, val)
		if err != nil {
			reason := ReasonSchemaViolation
			if se, ok := validate.IsShapeError(err); ok {
				reason = se.Reason
			}
			fail(it.CustomID, it.Key, reason, err.Error())
			return nil
		}
		successes = append(successes, toRecord(v, it))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read output for %s run %s: %w", run.JobType, run.RunID, err)
	}

	for _, it := range manifest.Items {
		if !seen[it.CustomID] {
			fail(it.CustomID, it.Key, ReasonMissingOutput, "no output line for request")
		}
	}
	failures = append(failures, manifest.Failures...)
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].CustomID < failures[j].CustomID })

	if err := artifact.PutJSONL(ctx, o.store, artifact.Join(run.OutputPrefix, artifact.SuccessesFile), successes); err != nil {
		return nil, err
	}
	report := FailureReport{JobType: run.JobType, RunID: run.RunID, Failures: failures}
	if report.Failures == nil {
		report.Failures = []FailureRecord{}
	}
	if err := artifact.PutJSON(ctx, o.store, artifact.Join(run.OutputPrefix, artifact.FailuresFile), report); err != nil {
		return nil, err
	}

	run.Counts.Succeeded = len(successes)
	run.Counts.Failed = len(failures)
	run.Counts.Total = len(manifest.Items) + len(manifest.Failures)
	run.Usage = usage
	if err := jobstatus.Transition(run, jobstatus.StatusProcessed, o.now()); err != nil {
		return nil, err
	}
	if err := o.status.Write(ctx, run); err != nil {
		return nil, err
	}

	byReason := make(map[string]int)
	for _, f := range failures {
		byReason[f.Reason]++
	}
	log.Info("Results processed",
		zap.Int("succeeded", len(successes)),
		zap.Int("failed", len(failures)),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
	)
	return &ProcessReport{
		JobType:   run.JobType,
		RunID:     run.RunID,
		Succeeded: len(successes),
		Failed:    len(failures),
		ByReason:  byReason,
		Usage:     usage,
	}, nil
}

// toRecord injects the raw key fields into decoded model output. Non-object
// output is kept under "result".
func toRecord(v any, it ManifestItem) record.Record {
	rec, ok := v.(map[string]any)
	if !ok {
		rec = map[string]any{"result": v}
	}
	out := record.Record(rec)
	for k, x := range it.Fields {
		out[k] = x
	}
	return out
}

// List returns the runs of jobType, newest first.
func (o *Orchestrator) List(ctx context.Context, jobType string) ([]jobstatus.JobRun, error) {
	return o.status.List(ctx, jobType)
}
