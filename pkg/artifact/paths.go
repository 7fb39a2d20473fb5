package artifact

import (
	"fmt"

	"github.com/3leaps/kgextract/pkg/record"
)

// Artifact layout:
//
//	jobs/<job>/runs/<run>/input.jsonl
//	jobs/<job>/runs/<run>/manifest.json
//	jobs/<job>/runs/<run>/output.jsonl
//	jobs/<job>/runs/<run>/successes.jsonl
//	jobs/<job>/runs/<run>/failures.json
//	jobs/<job>/retries/<source-run>/rNN[_reason]/<run>/...
//	pipelines/<job>/items/<key>/state.json
//	pipelines/<job>/items/<key>/steps/<step>.json
//	pipelines/<job>/outputs/<key>.json
//	pipelines/<job>/summary.json
//	merges/<name>/records/<key>.json
//	merges/<name>/skipped.json

// Run artifact names.
const (
	InputFile     = "input.jsonl"
	ManifestFile  = "manifest.json"
	OutputFile    = "output.jsonl"
	SuccessesFile = "successes.jsonl"
	FailuresFile  = "failures.json"
	SummaryFile   = "summary.json"
)

// RunPrefix is the default namespace for a batch run's artifacts.
func RunPrefix(jobType, runID string) string {
	return Join("jobs", jobType, "runs", runID)
}

// RetryNamespace is the lineage namespace for the nth retry of sourceRunID.
func RetryNamespace(jobType, sourceRunID string) string {
	return Join("jobs", jobType, "retries", sourceRunID)
}

// RetryPrefix is the namespace for one retry run.
func RetryPrefix(jobType, sourceRunID string, ordinal int, reasonSlug, runID string) string {
	dir := fmt.Sprintf("r%02d", ordinal)
	if reasonSlug != "" {
		dir += "_" + reasonSlug
	}
	return Join(RetryNamespace(jobType, sourceRunID), dir, runID)
}

// PipelineItemPrefix is the namespace for one work item's pipeline state.
func PipelineItemPrefix(jobType string, key record.Key) string {
	return Join("pipelines", jobType, "items", key.PathSegment())
}

// PipelineStatePath is the work item's state snapshot.
func PipelineStatePath(jobType string, key record.Key) string {
	return Join(PipelineItemPrefix(jobType, key), "state.json")
}

// StepResultPath is the raw result of one completed step.
func StepResultPath(jobType string, key record.Key, stepID string) string {
	return Join(PipelineItemPrefix(jobType, key), "steps", stepID+".json")
}

// PipelineOutputPrefix holds the aggregated per-item outputs.
func PipelineOutputPrefix(jobType string) string {
	return Join("pipelines", jobType, "outputs")
}

// PipelineOutputPath is the aggregated output for one work item.
func PipelineOutputPath(jobType string, key record.Key) string {
	return Join(PipelineOutputPrefix(jobType), key.PathSegment()+".json")
}

// PipelineSummaryPath is the job-level pipeline summary.
func PipelineSummaryPath(jobType string) string {
	return Join("pipelines", jobType, SummaryFile)
}

// MergeRecordPath is one merged record.
func MergeRecordPath(name string, key record.Key) string {
	return Join("merges", name, "records", key.PathSegment()+".json")
}

// MergeSkipReportPath is the merge's skip report.
func MergeSkipReportPath(name string) string {
	return Join("merges", name, "skipped.json")
}
