package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
)

// Preempted names one run the scavenger stopped.
type Preempted struct {
	JobID string
	RunID string
}

// PreemptOverhead stops every overhead experiment container on the node
// and drives the affected runs to ABORTED. Runs supervised in-process
// are cancelled so their own lifecycle records the abort; orphans are
// stopped and finalized directly.
func (e *Executor) PreemptOverhead(ctx context.Context) ([]Preempted, error) {
	containers, err := e.provider.ListContainers(ctx, map[string]string{
		LabelOwned:    "true",
		LabelOverhead: "true",
	})
	if err != nil {
		return nil, fmt.Errorf("list overhead containers: %w", err)
	}

	var out []Preempted
	for _, c := range containers {
		runID := c.Labels[LabelRunID]
		jobID := c.Labels[LabelJobID]
		if runID == "" {
			continue
		}
		e.logger.Noticef("scavenger preempting run %s (job %s)", runID, jobID)
		if e.rec != nil {
			e.rec.ScavengerPreempted()
		}

		if !e.Cancel(runID) {
			e.stop(c.ID)
			if err := e.provider.RemoveContainer(context.Background(), c.ID, true); err != nil {
				e.logger.Warningf("remove container %s: %v", c.ID, err)
			}
			if err := e.abortRun(ctx, runID); err != nil {
				e.logger.Warningf("abort run %s: %v", runID, err)
			}
		}
		out = append(out, Preempted{JobID: jobID, RunID: runID})
	}
	return out, nil
}

func (e *Executor) abortRun(ctx context.Context, runID string) error {
	run, err := e.findRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil || run.Status.Terminal() {
		return nil
	}
	return e.finalize(run, core.RunAborted, "preempted by scavenger")
}

func (e *Executor) findRun(ctx context.Context, runID string) (*core.Run, error) {
	runs, err := e.coord.GetRuns(ctx, api.RunsFilter{NodeID: e.cfg.NodeID})
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == runID {
			return &runs[i], nil
		}
	}
	return nil, nil
}

// Recover reconciles scheduler-owned containers found after a node
// restart: still-running containers of known jobs are re-supervised to a
// proper terminal state, everything else is marked FAILED and removed.
func (e *Executor) Recover(ctx context.Context, jobs map[string]*core.Job) error {
	containers, err := e.provider.ListContainers(ctx, map[string]string{LabelOwned: "true"})
	if err != nil {
		return fmt.Errorf("list owned containers: %w", err)
	}

	for _, c := range containers {
		runID := c.Labels[LabelRunID]
		jobID := c.Labels[LabelJobID]
		if runID == "" {
			continue
		}
		run, err := e.findRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil || run.Status.Terminal() {
			if err := e.provider.RemoveContainer(context.Background(), c.ID, true); err != nil {
				e.logger.Warningf("remove stale container %s: %v", c.ID, err)
			}
			continue
		}

		job := jobs[jobID]
		if c.Running && job != nil {
			e.logger.Noticef("resuming supervision of run %s after restart", runID)
			e.wg.Add(1)
			go func(run core.Run, job core.Job, containerID string) {
				defer e.wg.Done()
				e.resume(&run, &job, containerID)
			}(*run, *job, c.ID)
			continue
		}

		e.logger.Warningf("run %s found dead after restart", runID)
		if err := e.provider.RemoveContainer(context.Background(), c.ID, true); err != nil {
			e.logger.Warningf("remove container %s: %v", c.ID, err)
		}
		if err := e.finalize(run, core.RunFailed, "node restarted mid-run"); err != nil {
			e.logger.Warningf("finalize run %s: %v", runID, err)
		}
	}
	return nil
}

// resume picks up a running container mid-flight and completes the
// normal tail of the lifecycle: supervision, log capture, upload.
func (e *Executor) resume(run *core.Run, job *core.Job, containerID string) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.register(run.ID, cancel)
	defer func() {
		cancel()
		e.unregister(run.ID)
	}()

	workdir := filepath.Join(e.cfg.WorkDir, job.ID, run.ID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		e.logger.Errorf("recreate workdir %s: %v", workdir, err)
	}

	// The container is up, so a run still reported DEPLOYING moves
	// forward before supervision resumes.
	if run.Status == core.RunDeploying {
		if err := e.transition(run, core.RunRunning, ""); err != nil {
			e.logger.Warningf("run %s: %v", run.ID, err)
		}
	}

	exitCode, supErr := e.supervise(runCtx, containerID, job.Length())
	e.captureLogs(containerID, workdir)
	if err := e.provider.RemoveContainer(context.Background(), containerID, true); err != nil {
		e.logger.Warningf("remove container %s: %v", containerID, err)
	}

	if run.Status == core.RunRunning {
		if err := e.transition(run, core.RunUploading, ""); err != nil {
			e.logger.Warningf("run %s: %v", run.ID, err)
			return
		}
	}
	url, upErr := e.upload(run, job, workdir)
	if upErr == nil {
		run.ArtifactURL = url
	}

	switch {
	case errors.Is(supErr, core.ErrAbortRequested):
		_ = e.finalize(run, core.RunAborted, "aborted")
	case errors.Is(supErr, core.ErrMaxTimeRunning):
		_ = e.finalize(run, core.RunFailed, "max runtime exceeded")
	case supErr != nil:
		_ = e.finalize(run, core.RunFailed, supErr.Error())
	case exitCode != 0:
		_ = e.finalize(run, core.RunFailed, fmt.Sprintf("container exited with code %d", exitCode))
	case upErr != nil:
		_ = e.finalize(run, core.RunFailed, "upload: "+upErr.Error())
	default:
		_ = e.finalize(run, core.RunCompleted, "")
		if err := os.RemoveAll(workdir); err != nil {
			e.logger.Warningf("remove workdir %s: %v", workdir, err)
		}
	}
}
