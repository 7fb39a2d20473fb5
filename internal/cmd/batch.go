package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kgextract/internal/observability"
	"github.com/3leaps/kgextract/pkg/record"
)

var (
	batchJobPath string
	batchRunID   string
	batchKeys    []string
	batchNoWait  bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run a job through a provider batch API",
}

var batchStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Generate requests and submit a new batch run",
	Long: `Start queries the job's data source, resolves stage dependencies, renders
one request per keyed record and submits the batch.

A job type may have only one active run at a time.`,
	RunE: runBatchStart,
}

var batchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Poll the provider and show the current run",
	RunE:  runBatchStatus,
}

var batchWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Poll until the current run reaches a terminal state",
	RunE:  runBatchWait,
}

var batchProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Fetch and validate results of a completed run",
	RunE:  runBatchProcess,
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active run",
	RunE:  runBatchCancel,
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs of a job type, newest first",
	RunE:  runBatchList,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	for _, c := range []*cobra.Command{batchStartCmd, batchStatusCmd, batchWaitCmd, batchProcessCmd, batchCancelCmd, batchListCmd} {
		c.Flags().StringVar(&batchJobPath, "job", "", "Job definition file (YAML)")
		_ = c.MarkFlagRequired("job")
		batchCmd.AddCommand(c)
	}
	batchStartCmd.Flags().StringArrayVar(&batchKeys, "key", nil, "Limit the run to these natural keys (repeatable)")
	batchProcessCmd.Flags().StringVar(&batchRunID, "run", "", "Run to process (default: current run)")
	batchProcessCmd.Flags().BoolVar(&batchNoWait, "no-wait", false, "Fail instead of waiting when the run is not yet terminal")
}

func runBatchStart(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := openBatchEnv(ctx, batchJobPath)
	if err != nil {
		return err
	}
	spec, closeSrc, err := env.spec(ctx)
	defer func() { _ = closeSrc() }()
	if err != nil {
		return err
	}
	if len(batchKeys) > 0 {
		spec.Scope.Keys = make([]record.Key, 0, len(batchKeys))
		for _, k := range batchKeys {
			spec.Scope.Keys = append(spec.Scope.Keys, record.Key(k))
		}
	}

	run, err := env.orch.Start(ctx, spec)
	if err != nil {
		return fail(fmt.Sprintf("Failed to start batch for %s", env.def.JobType), err)
	}
	if est := run.Estimate; est != nil {
		observability.CLILogger.Info("Batch submitted",
			zap.String("job_type", run.JobType),
			zap.String("run_id", run.RunID),
			zap.Int("requests", est.Requests),
			zap.String("size", humanize.Bytes(uint64(est.Bytes))),
			zap.String("approx_tokens", humanize.Comma(est.ApproxTokens)),
			zap.Float64("approx_cost_usd", est.ApproxCostUSD))
	}
	return newEmitter(run.JobType).run(ctx, run)
}

func runBatchStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := openBatchEnv(ctx, batchJobPath)
	if err != nil {
		return err
	}
	run, err := env.orch.PollStatus(ctx, env.def.JobType)
	if err != nil {
		return fail(fmt.Sprintf("Failed to poll %s", env.def.JobType), err)
	}
	return newEmitter(run.JobType).run(ctx, run)
}

func runBatchWait(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := openBatchEnv(ctx, batchJobPath)
	if err != nil {
		return err
	}
	run, err := env.orch.WaitUntilTerminal(ctx, env.def.JobType, appConfig.Batch.PollInterval, appConfig.Batch.MaxWait)
	if err != nil {
		return fail(fmt.Sprintf("Failed waiting for %s", env.def.JobType), err)
	}
	return newEmitter(run.JobType).run(ctx, run)
}

func runBatchProcess(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := openBatchEnv(ctx, batchJobPath)
	if err != nil {
		return err
	}
	val, err := env.def.Validator()
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid output schema", err)
	}
	if batchRunID == "" && !batchNoWait {
		if _, err := env.orch.WaitUntilTerminal(ctx, env.def.JobType, appConfig.Batch.PollInterval, appConfig.Batch.MaxWait); err != nil {
			return fail(fmt.Sprintf("Failed waiting for %s", env.def.JobType), err)
		}
	}

	rep, err := env.orch.ProcessResults(ctx, env.def.JobType, batchRunID, val)
	if err != nil {
		return fail(fmt.Sprintf("Failed to process results for %s", env.def.JobType), err)
	}

	em := newEmitter(rep.JobType)
	if em.json() {
		run, err := env.status.Get(ctx, rep.JobType, rep.RunID)
		if err != nil {
			return fail(fmt.Sprintf("Failed to read run %s", rep.RunID), err)
		}
		failures, err := env.orch.Failures(ctx, run)
		if err != nil {
			return fail(fmt.Sprintf("Failed to read failures of run %s", rep.RunID), err)
		}
		for i := range failures.Failures {
			if err := em.w.WriteFailure(ctx, &failures.Failures[i]); err != nil {
				return err
			}
		}
		return em.w.WriteSummary(ctx, rep)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Run:\t%s\n", rep.RunID)
	_, _ = fmt.Fprintf(tw, "Succeeded:\t%s\n", humanize.Comma(int64(rep.Succeeded)))
	_, _ = fmt.Fprintf(tw, "Failed:\t%s\n", humanize.Comma(int64(rep.Failed)))
	reasons := make([]string, 0, len(rep.ByReason))
	for r := range rep.ByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		_, _ = fmt.Fprintf(tw, "  %s:\t%d\n", r, rep.ByReason[r])
	}
	_, _ = fmt.Fprintf(tw, "Tokens:\t%s input, %s output\n", humanize.Comma(rep.Usage.InputTokens), humanize.Comma(rep.Usage.OutputTokens))
	return tw.Flush()
}

func runBatchCancel(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := openBatchEnv(ctx, batchJobPath)
	if err != nil {
		return err
	}
	run, err := env.orch.Cancel(ctx, env.def.JobType)
	if err != nil {
		return fail(fmt.Sprintf("Failed to cancel %s", env.def.JobType), err)
	}
	return newEmitter(run.JobType).run(ctx, run)
}

func runBatchList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := openBatchEnv(ctx, batchJobPath)
	if err != nil {
		return err
	}
	runs, err := env.orch.List(ctx, env.def.JobType)
	if err != nil {
		return fail(fmt.Sprintf("Failed to list runs of %s", env.def.JobType), err)
	}
	return listRuns(ctx, env.def.JobType, runs)
}
