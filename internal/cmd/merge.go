package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kgextract/internal/observability"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/merge"
)

var (
	mergeJobPath string
	mergeName    string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Join the result sets of several stages on their natural key",
	Long: `Merge loads each input stage's result set and keeps only the keys present
in every input. Keys missing from any input are written to the skip report.`,
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVar(&mergeJobPath, "job", "", "Job definition file (YAML)")
	mergeCmd.Flags().StringVar(&mergeName, "name", "", "Merge name (default: the job's merge name)")
	_ = mergeCmd.MarkFlagRequired("job")
}

func runMerge(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	def, err := loadJob(mergeJobPath)
	if err != nil {
		return err
	}
	if def.Merge == nil {
		return exitError(ExitInvalidArgument, fmt.Sprintf("Job %s has no merge section", def.JobType), nil)
	}
	name := mergeName
	if name == "" {
		name = def.Merge.Name
	}

	store, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(ExitFileReadError, "Failed to open artifact store", err)
	}
	inputs, err := def.MergeInputs(ctx, def.Loader(store, jobstatus.NewStore(store)))
	if err != nil {
		return fail(fmt.Sprintf("Failed to load merge inputs for %s", name), err)
	}
	res, err := merge.Merge(def.KeySpec(), inputs)
	if err != nil {
		return fail(fmt.Sprintf("Failed to merge %s", name), err)
	}
	if err := merge.WriteResult(ctx, store, name, res); err != nil {
		return exitError(ExitFileWriteError, fmt.Sprintf("Failed to write merge %s", name), err)
	}

	observability.CLILogger.Info("Merge complete",
		zap.String("merge", name),
		zap.Int("merged", len(res.Keys)),
		zap.Int("skipped", len(res.Skipped)))

	rep := merge.SkipReport{Name: name, Merged: len(res.Keys), Skipped: res.Skipped, Inputs: res.Inputs}
	text := fmt.Sprintf("Merged %d keys into %s (%d skipped)", len(res.Keys), name, len(res.Skipped))
	return newEmitter(def.JobType).summary(ctx, &rep, text)
}
