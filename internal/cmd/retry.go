package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kgextract/internal/observability"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/retry"
)

var (
	retryJobPath string
	retryRunID   string
	retryReason  string
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Start a new batch run for the failed records of a processed run",
	Long: `Retry reads failures.json of a processed run, keeps the failures whose
reason or detail contains --reason (all failures when empty) and submits a new
run scoped to their natural keys. The retry run's artifacts live under the
source run's retry namespace and carry its lineage.

When --run is omitted the latest processed run is used.`,
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.Flags().StringVar(&retryJobPath, "job", "", "Job definition file (YAML)")
	retryCmd.Flags().StringVar(&retryRunID, "run", "", "Source run id (default: latest processed run)")
	retryCmd.Flags().StringVar(&retryReason, "reason", "", "Only retry failures whose reason contains this text")
	_ = retryCmd.MarkFlagRequired("job")
}

func runRetry(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := openBatchEnv(ctx, retryJobPath)
	if err != nil {
		return err
	}
	jobType := env.def.JobType

	source := retryRunID
	if source == "" {
		run, err := env.status.LatestWithStatus(ctx, jobType, jobstatus.StatusProcessed)
		if err != nil {
			return fail(fmt.Sprintf("No processed run to retry for %s", jobType), err)
		}
		source = run.RunID
	}

	spec, closeSrc, err := env.spec(ctx)
	defer func() { _ = closeSrc() }()
	if err != nil {
		return err
	}

	req := retry.Request{JobType: jobType, SourceRunID: source, FilterReason: retryReason}
	run, plan, err := retry.New(env.orch, env.store, observability.CLILogger).Retry(ctx, req, spec)
	if err != nil {
		return fail(fmt.Sprintf("Failed to retry %s run %s", jobType, source), err)
	}
	observability.CLILogger.Info("Retry planned",
		zap.String("job_type", jobType),
		zap.String("source_run_id", source),
		zap.Int("selected", plan.Selected),
		zap.Int("keys", len(plan.Keys)),
		zap.Int("unrecoverable", len(plan.Unrecoverable)))

	em := newEmitter(jobType)
	if em.json() {
		for i := range plan.Unrecoverable {
			if err := em.w.WriteFailure(ctx, &plan.Unrecoverable[i]); err != nil {
				return err
			}
		}
	}
	return em.run(ctx, run)
}
