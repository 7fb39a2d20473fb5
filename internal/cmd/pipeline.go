package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kgextract/internal/observability"
	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/datasource"
	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/jobdef"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/output"
	"github.com/3leaps/kgextract/pkg/pipeline"
	"github.com/3leaps/kgextract/pkg/provider/anthropic"
	"github.com/3leaps/kgextract/pkg/record"
)

var (
	pipelineJobPath  string
	pipelineWorkers  int
	pipelineRerun    bool
	pipelineProvider string
	pipelineKeys     []string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run a job as a per-item step graph",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Advance every work item through the step graph",
	Long: `Run loads the job's records and advances each one through the pipeline's
steps. Completed steps are skipped, so an interrupted run resumes where it
stopped. Failed steps are retried with backoff and, for inference steps,
escalated along the configured tier ladder.`,
	RunE: runPipelineRun,
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status [key]",
	Short: "Show the pipeline summary or one work item's state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPipelineStatus,
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineRunCmd, pipelineStatusCmd)
	for _, c := range []*cobra.Command{pipelineRunCmd, pipelineStatusCmd} {
		c.Flags().StringVar(&pipelineJobPath, "job", "", "Job definition file (YAML)")
		_ = c.MarkFlagRequired("job")
	}
	pipelineRunCmd.Flags().IntVar(&pipelineWorkers, "workers", 0, "Concurrent work items (default: job or config setting)")
	pipelineRunCmd.Flags().BoolVar(&pipelineRerun, "rerun", false, "Re-run items that previously failed")
	pipelineRunCmd.Flags().StringVar(&pipelineProvider, "tier-provider", anthropic.Name, "Inference provider for tiers (anthropic|gemini)")
	pipelineRunCmd.Flags().StringArrayVar(&pipelineKeys, "key", nil, "Limit the run to these natural keys (repeatable)")
}

// pipelineEnv builds the orchestrator for a job definition.
func pipelineEnv(ctx context.Context, def *jobdef.Definition) (*pipeline.Orchestrator, error) {
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return nil, exitError(ExitFileReadError, "Failed to open artifact store", err)
	}
	steps, err := def.Steps()
	if err != nil {
		return nil, exitError(ExitInvalidArgument, "Failed to compile pipeline steps", err)
	}
	g, err := pipeline.NewGraph(steps)
	if err != nil {
		return nil, exitError(ExitInvalidArgument, "Invalid pipeline graph", err)
	}

	policy := def.Policy(appConfig.Pipeline.RetryPolicy)
	loader := def.Loader(store, jobstatus.NewStore(store))
	opts := []pipeline.Option{
		pipeline.WithPolicy(policy),
		pipeline.WithResolver(depresolve.New(loader, def.KeySpec())),
		pipeline.WithKeySpec(def.KeySpec()),
		pipeline.WithLogger(observability.CLILogger),
	}
	tiers, err := tierSet(ctx, appConfig, pipelineProvider)
	if err != nil {
		return nil, exitError(ExitInvalidArgument, "Failed to configure inference tiers", err)
	}
	if err := policy.Validate(tiers); err != nil {
		return nil, exitError(ExitInvalidArgument, "Invalid escalation ladder", err)
	}
	opts = append(opts, pipeline.WithTiers(tiers))

	orch, err := pipeline.New(def.JobType, g, store, opts...)
	if err != nil {
		return nil, exitError(ExitInvalidArgument, "Failed to build pipeline", err)
	}
	return orch, nil
}

func runPipelineRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	def, err := loadJob(pipelineJobPath)
	if err != nil {
		return err
	}
	if def.Pipeline == nil {
		return exitError(ExitInvalidArgument, fmt.Sprintf("Job %s has no pipeline section", def.JobType), nil)
	}
	orch, err := pipelineEnv(ctx, def)
	if err != nil {
		return err
	}

	src, closeSrc, err := def.OpenSource(ctx)
	defer func() { _ = closeSrc() }()
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Failed to open data source", err)
	}
	var scope datasource.Scope
	for _, k := range pipelineKeys {
		scope.Keys = append(scope.Keys, record.Key(k))
	}
	ws, err := def.WorkItems(ctx, src, scope)
	if err != nil {
		return fail(fmt.Sprintf("Failed to load work items for %s", def.JobType), err)
	}
	if len(ws.Unkeyed) > 0 {
		observability.CLILogger.Warn("Skipping rows without a complete key",
			zap.String("job_type", def.JobType),
			zap.Int("rows", len(ws.Unkeyed)))
	}
	if len(ws.Duplicates) > 0 {
		observability.CLILogger.Warn("Skipping rows with duplicate keys",
			zap.String("job_type", def.JobType),
			zap.Int("rows", len(ws.Duplicates)))
	}
	items := ws.Items

	workers := pipelineWorkers
	if workers <= 0 && def.Pipeline.Workers > 0 {
		workers = def.Pipeline.Workers
	}
	if workers <= 0 {
		workers = appConfig.Pipeline.Workers
	}

	observability.CLILogger.Info("Starting pipeline",
		zap.String("job_type", def.JobType),
		zap.Int("items", len(items)),
		zap.Int("workers", workers),
		zap.String("tier_provider", pipelineProvider),
		zap.Bool("rerun", pipelineRerun))

	sum, err := pipeline.NewRunner(orch, workers, observability.CLILogger).
		RunAll(ctx, items, pipeline.RunOptions{Rerun: pipelineRerun})
	if err != nil {
		return fail(fmt.Sprintf("Pipeline %s aborted", def.JobType), err)
	}
	return writePipelineSummary(ctx, sum, items)
}

func writePipelineSummary(ctx context.Context, sum *pipeline.Summary, items []pipeline.WorkItem) error {
	em := newEmitter(sum.JobType)
	if em.json() {
		for _, it := range items {
			out, ok := sum.Items[it.Key]
			if !ok {
				continue
			}
			rec := &output.ItemRecord{Key: string(it.Key), Status: string(out.Status), FailedStep: out.FailedStep, Error: out.Error}
			if err := em.w.WriteItem(ctx, rec); err != nil {
				return err
			}
		}
		return em.w.WriteSummary(ctx, sum)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Job type:\t%s\n", sum.JobType)
	_, _ = fmt.Fprintf(tw, "Items:\t%s\n", humanize.Comma(int64(sum.Total)))
	_, _ = fmt.Fprintf(tw, "Completed:\t%s\n", humanize.Comma(int64(sum.Completed)))
	_, _ = fmt.Fprintf(tw, "Failed:\t%s\n", humanize.Comma(int64(sum.Failed)))
	_, _ = fmt.Fprintf(tw, "Pending:\t%s\n", humanize.Comma(int64(sum.Pending)))
	_, _ = fmt.Fprintf(tw, "Tokens:\t%s input, %s output\n", humanize.Comma(sum.Usage.InputTokens), humanize.Comma(sum.Usage.OutputTokens))
	return tw.Flush()
}

func runPipelineStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	def, err := loadJob(pipelineJobPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(ExitFileReadError, "Failed to open artifact store", err)
	}

	if len(args) == 0 {
		sum := &pipeline.Summary{JobType: def.JobType}
		err := artifact.GetJSON(ctx, store, artifact.PipelineSummaryPath(def.JobType), sum)
		if err != nil && !artifact.IsNotFound(err) {
			return fail(fmt.Sprintf("Failed to read pipeline summary for %s", def.JobType), err)
		}
		return writePipelineSummary(ctx, sum, summaryItems(sum))
	}

	key := record.Key(args[0])
	var st pipeline.State
	if err := artifact.GetJSON(ctx, store, artifact.PipelineStatePath(def.JobType, key), &st); err != nil {
		if artifact.IsNotFound(err) {
			return exitError(ExitFileNotFound, fmt.Sprintf("No pipeline state for key %s in %s", key, def.JobType), err)
		}
		return fail(fmt.Sprintf("Failed to read state of %s", key), err)
	}

	em := newEmitter(def.JobType)
	if em.json() {
		return em.w.WriteItem(ctx, &output.ItemRecord{
			Key:        string(st.Key),
			Status:     string(st.Status),
			FailedStep: failedStep(&st),
			Error:      st.Error,
		})
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Key:\t%s\n", st.Key)
	_, _ = fmt.Fprintf(tw, "Status:\t%s\n", st.Status)
	if st.Error != "" {
		_, _ = fmt.Fprintf(tw, "Error:\t%s\n", st.Error)
	}
	_, _ = fmt.Fprintln(tw, "STEP\tSTATUS\tATTEMPTS\tTIER\tMODEL\tDURATION")
	for _, id := range st.Order {
		ss := st.Step(id)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%dms\n", id, ss.Status, ss.Attempts, ss.Tier, ss.Model, ss.DurationMs)
	}
	return tw.Flush()
}

func failedStep(st *pipeline.State) string {
	if st.Status != pipeline.StatusFailed {
		return ""
	}
	return st.CurrentStep
}

func summaryItems(sum *pipeline.Summary) []pipeline.WorkItem {
	keys := make([]record.Key, 0, len(sum.Items))
	for k := range sum.Items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	items := make([]pipeline.WorkItem, len(keys))
	for i, k := range keys {
		items[i] = pipeline.WorkItem{Key: k}
	}
	return items
}
