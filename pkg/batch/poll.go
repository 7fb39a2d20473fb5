package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/kgextract/pkg/jobstatus"
)

// PollStatus queries the provider for the current run of jobType and
// persists any change. Runs that are not remotely active are returned
// without a provider call.
func (o *Orchestrator) PollStatus(ctx context.Context, jobType string) (*jobstatus.JobRun, error) {
	run, err := o.status.Current(ctx, jobType)
	if err != nil {
		return nil, err
	}
	return o.poll(ctx, run)
}

func (o *Orchestrator) poll(ctx context.Context, run *jobstatus.JobRun) (*jobstatus.JobRun, error) {
	if !run.Status.IsRemoteActive() {
		return run, nil
	}
	log := o.logger.With(zap.String("job_type", run.JobType), zap.String("run_id", run.RunID))

	st, err := o.provider.Status(ctx, run.RemoteRef)
	if err != nil {
		return run, fmt.Errorf("poll job type %s run %s: %w", run.JobType, run.RunID, err)
	}

	changed := false
	if string(st.State) != run.RemoteState {
		run.RemoteState = string(st.State)
		changed = true
	}
	if st.Counts != nil && (run.RemoteCounts == nil || *st.Counts != *run.RemoteCounts) {
		c := *st.Counts
		run.RemoteCounts = &c
		changed = true
	}
	if st.OutputID != "" && st.OutputID != run.OutputArtifactID {
		run.OutputArtifactID = st.OutputID
		changed = true
	}

	to := jobstatus.FromRemote(st.State)
	if to != run.Status {
		from := run.Status
		if err := jobstatus.Transition(run, to, o.now()); err != nil {
			return run, err
		}
		changed = true
		log.Info("Run status changed", zap.String("from", string(from)), zap.String("to", string(to)))
		if to == jobstatus.StatusFailed || to == jobstatus.StatusCancelled {
			msg := fmt.Errorf("remote run ended %s", st.State)
			if st.Message != "" {
				msg = fmt.Errorf("remote run ended %s: %s", st.State, st.Message)
			}
			run.AddError(o.now(), "remote", msg)
		}
	}

	if changed {
		if err := o.status.Write(ctx, run); err != nil {
			return run, err
		}
	}
	return run, nil
}

// WaitUntilTerminal re-polls the current run of jobType every interval until
// it reaches a terminal state or maxWait elapses. On timeout it returns
// ErrWaitTimeout and leaves the remote run running.
func (o *Orchestrator) WaitUntilTerminal(ctx context.Context, jobType string, interval, maxWait time.Duration) (*jobstatus.JobRun, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	if maxWait <= 0 {
		deadline.Stop()
		deadline = time.NewTimer(time.Duration(1<<63 - 1))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := o.PollStatus(ctx, jobType)
		if err != nil {
			if errors.Is(err, jobstatus.ErrNotFound) || run == nil {
				return run, err
			}
			o.logger.Warn("Poll failed; will retry",
				zap.String("job_type", jobType), zap.String("run_id", run.RunID), zap.Error(err))
		} else if !run.Status.IsRemoteActive() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-deadline.C:
			return run, fmt.Errorf("%w: job type %s run %s after %s (status %s)", ErrWaitTimeout, jobType, run.RunID, maxWait, run.Status)
		case <-ticker.C:
		}
	}
}

// Cancel cancels the active run of jobType.
//
// A submitted run is cancelled remotely and polled once. A run that never
// reached the provider (left PENDING or GENERATED by a crash) is marked FAILED.
func (o *Orchestrator) Cancel(ctx context.Context, jobType string) (*jobstatus.JobRun, error) {
	run, err := o.status.Active(ctx, jobType)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: job type %s", ErrNotActive, jobType)
	}
	log := o.logger.With(zap.String("job_type", run.JobType), zap.String("run_id", run.RunID))

	if !run.Status.IsRemoteActive() {
		now := o.now()
		run.AddError(now, "cancel", fmt.Errorf("abandoned before submission"))
		if err := jobstatus.Transition(run, jobstatus.StatusFailed, now); err != nil {
			return run, err
		}
		log.Warn("Unsubmitted run abandoned")
		return run, o.status.Write(ctx, run)
	}

	if err := o.provider.Cancel(ctx, run.RemoteRef); err != nil {
		return run, fmt.Errorf("cancel job type %s run %s: %w", run.JobType, run.RunID, err)
	}
	log.Info("Cancellation requested", zap.String("remote_ref", run.RemoteRef))
	return o.poll(ctx, run)
}
