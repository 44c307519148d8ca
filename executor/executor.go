package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/avast/retry-go"
	"github.com/gobs/args"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/blob"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/metrics"
	"github.com/leoscope/leotest/trigger"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultGracePeriod   = 30 * time.Second
	defaultStopTimeout   = 10 * time.Second
	defaultLogBufferSize = 256 << 10
	uploadRetries        = 3
	maxRendezvousWait    = 5 * time.Minute
)

// Coordinator is the slice of the coordinator client the executor needs.
type Coordinator interface {
	CreateRun(ctx context.Context, r *core.Run) (*api.RunResponse, error)
	UpdateRun(ctx context.Context, r *core.Run) (*api.RunResponse, error)
	GetRuns(ctx context.Context, f api.RunsFilter) ([]core.Run, error)
	ScheduleTask(ctx context.Context, t *core.Task) (*api.TaskResponse, error)
	GetTasks(ctx context.Context, f api.TasksFilter) ([]core.Task, error)
	UpdateTask(ctx context.Context, t *core.Task) error
	GetNodes(ctx context.Context, f api.NodesFilter) ([]core.Node, error)
}

type Config struct {
	NodeID       string
	WorkDir      string
	PollInterval time.Duration
	GracePeriod  time.Duration
	StopTimeout  time.Duration
	LogBufferLen int64
}

func (c *Config) fill() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.LogBufferLen <= 0 {
		c.LogBufferLen = defaultLogBufferSize
	}
}

// Executor runs experiment containers on a node and reports run status
// to the coordinator. One Execute call owns one run from dispatch to
// terminal state.
type Executor struct {
	cfg      Config
	provider ContainerProvider
	coord    Coordinator
	blobs    blob.Store
	snap     *trigger.Snapshot
	logger   core.Logger
	clock    core.Clock
	rec      *metrics.Recorder

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, provider ContainerProvider, coord Coordinator, blobs blob.Store, snap *trigger.Snapshot, rec *metrics.Recorder, logger core.Logger, clock core.Clock) *Executor {
	cfg.fill()
	if logger == nil {
		logger = &core.SimpleLogger{}
	}
	if clock == nil {
		clock = core.NewRealClock()
	}
	return &Executor{
		cfg:      cfg,
		provider: provider,
		coord:    coord,
		blobs:    blobs,
		snap:     snap,
		logger:   logger,
		clock:    clock,
		rec:      rec,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Wait blocks until all detached supervision goroutines finish.
func (e *Executor) Wait() { e.wg.Wait() }

// Cancel asks a supervised run to stop. The run lands in ABORTED once
// its container has been stopped, within the stop timeout.
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Executor) register(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
}

func (e *Executor) unregister(runID string) {
	e.mu.Lock()
	delete(e.cancels, runID)
	e.mu.Unlock()
}

func labelsFor(j *core.Job, runID, nodeID string) map[string]string {
	return map[string]string{
		LabelOwned:    "true",
		LabelJobID:    j.ID,
		LabelRunID:    runID,
		LabelNodeID:   nodeID,
		LabelOverhead: strconv.FormatBool(j.Overhead),
	}
}

// splitExecute separates the image from an optional command override in
// params.execute ("image[:tag] [cmd ...]"), honoring shell quoting.
func splitExecute(execute string) (string, []string) {
	parts := args.GetArgs(execute)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func envFor(j *core.Job, runID, nodeID, serverIP string, server bool, start time.Time) []string {
	flag := "0"
	if server {
		flag = "1"
	}
	env := []string{
		"LEOTEST_SERVER=" + flag,
		"LEOTEST_START_TIME=" + start.UTC().Format(time.RFC3339),
		"LEOTEST_LENGTH=" + strconv.FormatInt(j.LengthSecs, 10),
		"LEOTEST_RUNID=" + runID,
		"LEOTEST_JOBID=" + j.ID,
		"LEOTEST_NODEID=" + nodeID,
	}
	if serverIP != "" {
		env = append(env, "LEOTEST_SERVER_IP="+serverIP)
	}
	return env
}

// Execute drives one run to a terminal state. Panics inside the
// lifecycle are contained and recorded as FAILED.
func (e *Executor) Execute(ctx context.Context, job *core.Job, runID string, startTS time.Time) error {
	run := &core.Run{
		ID:      runID,
		JobID:   job.ID,
		NodeID:  e.cfg.NodeID,
		OwnerID: job.OwnerID,
		Status:  core.RunScheduled,
		StartTS: startTS,
	}
	resp, err := e.coord.CreateRun(ctx, run)
	if err != nil {
		return core.WrapRunError("create", runID, err)
	}
	*run = resp.Run
	if run.Status.Terminal() {
		return nil // already finished, idempotent redispatch
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.register(runID, cancel)
	defer func() {
		cancel()
		e.unregister(runID)
	}()

	if e.rec != nil {
		e.rec.RunStarted()
		defer e.rec.RunFinished()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("panic in run %s: %v", runID, r)
			e.finalize(run, core.RunFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := e.transition(run, core.RunDeploying, ""); err != nil {
		return err
	}

	// Trigger gate: evaluated against a point-in-time snapshot just
	// before deployment. Unsatisfied triggers skip the firing.
	if job.Trigger != "" {
		expr, err := trigger.Parse(job.Trigger)
		if err != nil {
			return e.finalize(run, core.RunSkipped, "bad trigger: "+err.Error())
		}
		if !expr.Eval(e.snap.View()) {
			e.logger.Noticef("run %s skipped: trigger %q not satisfied", runID, job.Trigger)
			return e.finalize(run, core.RunSkipped, "trigger not satisfied")
		}
	}

	workdir := filepath.Join(e.cfg.WorkDir, job.ID, runID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return e.finalize(run, core.RunFailed, "create workdir: "+err.Error())
	}
	if job.Config != "" {
		if err := os.WriteFile(filepath.Join(workdir, "config"), []byte(job.Config), 0o644); err != nil {
			return e.finalize(run, core.RunFailed, "write config: "+err.Error())
		}
	}

	image, cmd := splitExecute(job.Params.Execute)
	if err := e.provider.PullImage(runCtx, image); err != nil {
		if e.rec != nil {
			e.rec.ContainerOp("pull", err)
		}
		return e.finalize(run, core.RunFailed, "pull image: "+err.Error())
	}

	// Paired jobs rendezvous with the server node before starting.
	serverIP := ""
	if job.Paired() && job.NodeID == e.cfg.NodeID {
		ip, err := e.rendezvous(runCtx, job, run)
		if err != nil {
			e.logger.Warningf("run %s failed: rendezvous: %v", runID, err)
			return e.finalize(run, core.RunFailed, "rendezvous: "+err.Error())
		}
		serverIP = ip
	}

	cfg := &ContainerConfig{
		Image:  image,
		Cmd:    cmd,
		Env:    envFor(job, runID, e.cfg.NodeID, serverIP, false, startTS),
		Labels: labelsFor(job, runID, e.cfg.NodeID),
		Binds:  []string{workdir + ":/leotest"},
	}
	containerID, err := e.provider.CreateContainer(runCtx, cfg, "leotest-"+runID)
	if e.rec != nil {
		e.rec.ContainerOp("create", err)
	}
	if err != nil {
		return e.finalize(run, core.RunFailed, "create container: "+err.Error())
	}
	defer func() {
		err := e.provider.RemoveContainer(context.Background(), containerID, true)
		if e.rec != nil {
			e.rec.ContainerOp("remove", err)
		}
		if err != nil {
			e.logger.Warningf("remove container %s: %v", containerID, err)
		}
	}()

	if err := e.provider.StartContainer(runCtx, containerID); err != nil {
		if e.rec != nil {
			e.rec.ContainerOp("start", err)
		}
		return e.finalize(run, core.RunFailed, "start container: "+err.Error())
	}
	if err := e.transition(run, core.RunRunning, ""); err != nil {
		return err
	}

	exitCode, supErr := e.supervise(runCtx, containerID, job.Length())
	e.captureLogs(containerID, workdir)

	if err := e.transition(run, core.RunUploading, ""); err != nil {
		return err
	}
	artifactURL, upErr := e.upload(run, job, workdir)
	if upErr == nil {
		run.ArtifactURL = artifactURL
	}

	switch {
	case errors.Is(supErr, core.ErrAbortRequested):
		return e.finalize(run, core.RunAborted, "aborted")
	case errors.Is(supErr, core.ErrMaxTimeRunning):
		return e.finalize(run, core.RunFailed, "max runtime exceeded")
	case supErr != nil:
		return e.finalize(run, core.RunFailed, supErr.Error())
	case exitCode != 0:
		return e.finalize(run, core.RunFailed, fmt.Sprintf("container exited with code %d", exitCode))
	case upErr != nil:
		// Archive stays on disk for manual collection.
		return e.finalize(run, core.RunFailed, "upload: "+upErr.Error())
	default:
		if err := e.finalize(run, core.RunCompleted, ""); err != nil {
			return err
		}
		if err := os.RemoveAll(workdir); err != nil {
			e.logger.Warningf("remove workdir %s: %v", workdir, err)
		}
		return nil
	}
}

// supervise polls the container until it exits, the wall ceiling of
// length + grace passes, or a cancel arrives.
func (e *Executor) supervise(ctx context.Context, containerID string, length time.Duration) (int, error) {
	deadline := e.clock.Now().Add(length + e.cfg.GracePeriod)
	for {
		st, err := e.provider.InspectContainer(context.Background(), containerID)
		if err != nil {
			return 0, fmt.Errorf("inspect: %w", err)
		}
		if !st.Running {
			return st.ExitCode, nil
		}
		if e.clock.Now().After(deadline) {
			e.stop(containerID)
			return 0, core.ErrMaxTimeRunning
		}
		select {
		case <-ctx.Done():
			e.stop(containerID)
			return 0, core.ErrAbortRequested
		case <-e.clock.After(e.cfg.PollInterval):
		}
	}
}

func (e *Executor) stop(containerID string) {
	err := e.provider.StopContainer(context.Background(), containerID, e.cfg.StopTimeout)
	if e.rec != nil {
		e.rec.ContainerOp("stop", err)
	}
	if err != nil {
		e.logger.Warningf("stop container %s: %v", containerID, err)
	}
}

// captureLogs drains container output through a bounded ring buffer into
// the workdir so runaway output cannot exhaust memory.
func (e *Executor) captureLogs(containerID, workdir string) {
	buf, err := circbuf.NewBuffer(e.cfg.LogBufferLen)
	if err != nil {
		e.logger.Errorf("allocate log buffer: %v", err)
		return
	}
	if err := e.provider.ContainerLogs(context.Background(), containerID, buf); err != nil {
		e.logger.Warningf("fetch logs of %s: %v", containerID, err)
		return
	}
	path := filepath.Join(workdir, "container.log")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		e.logger.Warningf("write %s: %v", path, err)
	}
}

// upload archives the workdir and pushes it to the blob store, retrying
// transient failures.
func (e *Executor) upload(run *core.Run, job *core.Job, workdir string) (string, error) {
	archive := filepath.Join(filepath.Dir(workdir), run.ID+".tar.gz")
	if err := archiveDir(workdir, archive); err != nil {
		return "", err
	}
	key := blob.ArtifactKey(run.NodeID, job.ID, run.ID, run.StartTS)

	var url string
	err := retry.Do(
		func() error {
			f, err := os.Open(archive)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			url, err = e.blobs.Put(context.Background(), key, f, info.Size())
			return err
		},
		retry.Attempts(uploadRetries),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", err
	}
	if err := os.Remove(archive); err != nil {
		e.logger.Debugf("remove archive %s: %v", archive, err)
	}
	return url, nil
}

// rendezvous schedules the SERVER_SETUP task on the peer and waits for
// the server node to acknowledge it. The task lives as long as the
// experiment itself; the wait is capped so a dead peer cannot pin the
// client past the rendezvous ceiling.
func (e *Executor) rendezvous(ctx context.Context, job *core.Job, run *core.Run) (string, error) {
	task := &core.Task{
		ID:      run.ID + "-setup",
		RunID:   run.ID,
		JobID:   job.ID,
		NodeID:  job.ServerNodeID,
		Kind:    core.TaskServerSetup,
		Status:  core.TaskPending,
		TTLSecs: job.LengthSecs,
	}
	if _, err := e.coord.ScheduleTask(ctx, task); err != nil {
		return "", fmt.Errorf("schedule server setup: %w", err)
	}
	wait := job.Length()
	if wait > maxRendezvousWait {
		wait = maxRendezvousWait
	}
	deadline := e.clock.Now().Add(wait)

	for {
		tasks, err := e.coord.GetTasks(ctx, api.TasksFilter{TaskID: task.ID})
		if err == nil && len(tasks) == 1 {
			switch tasks[0].Status {
			case core.TaskComplete:
				return e.serverIP(ctx, job.ServerNodeID)
			case core.TaskFailed, core.TaskExpired:
				return "", fmt.Errorf("server setup %s", tasks[0].Status)
			}
		}
		if e.clock.Now().After(deadline) {
			return "", errors.New("server setup timed out")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-e.clock.After(e.cfg.PollInterval):
		}
	}
}

func (e *Executor) serverIP(ctx context.Context, nodeID string) (string, error) {
	nodes, err := e.coord.GetNodes(ctx, api.NodesFilter{NodeID: nodeID})
	if err != nil {
		return "", fmt.Errorf("resolve server node: %w", err)
	}
	if len(nodes) != 1 {
		return "", fmt.Errorf("server node %q not found", nodeID)
	}
	return nodes[0].PublicIP, nil
}

// RunServerSetup is the server side of the rendezvous: it starts the
// experiment container in server mode and acknowledges the task. The
// container is supervised in the background and removed at the ceiling.
func (e *Executor) RunServerSetup(ctx context.Context, job *core.Job, task *core.Task) error {
	t := *task
	t.Status = core.TaskRunning
	if err := e.coord.UpdateTask(ctx, &t); err != nil {
		return fmt.Errorf("acknowledge task %s: %w", t.ID, err)
	}

	fail := func(err error) error {
		t.Status = core.TaskFailed
		if uerr := e.coord.UpdateTask(ctx, &t); uerr != nil {
			e.logger.Warningf("mark task %s failed: %v", t.ID, uerr)
		}
		return err
	}

	image, cmd := splitExecute(job.Params.Execute)
	if err := e.provider.PullImage(ctx, image); err != nil {
		return fail(fmt.Errorf("pull image: %w", err))
	}
	cfg := &ContainerConfig{
		Image:  image,
		Cmd:    cmd,
		Env:    envFor(job, task.RunID, e.cfg.NodeID, "", true, e.clock.Now()),
		Labels: labelsFor(job, task.RunID, e.cfg.NodeID),
	}
	id, err := e.provider.CreateContainer(ctx, cfg, "leotest-server-"+task.RunID)
	if err != nil {
		return fail(fmt.Errorf("create server container: %w", err))
	}
	if err := e.provider.StartContainer(ctx, id); err != nil {
		_ = e.provider.RemoveContainer(context.Background(), id, true)
		return fail(fmt.Errorf("start server container: %w", err))
	}

	t.Status = core.TaskComplete
	if err := e.coord.UpdateTask(ctx, &t); err != nil {
		e.logger.Warningf("mark task %s complete: %v", t.ID, err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.supervise(context.Background(), id, job.Length()); err != nil {
			e.logger.Warningf("server container %s: %v", id, err)
		}
		if err := e.provider.RemoveContainer(context.Background(), id, true); err != nil {
			e.logger.Warningf("remove server container %s: %v", id, err)
		}
	}()
	return nil
}

// transition applies a non-terminal status change with compare-and-set,
// refreshing the version on a lost race.
func (e *Executor) transition(run *core.Run, status core.RunStatus, msg string) error {
	return e.updateWithRetry(run, status, msg)
}

// finalize records a terminal status. It keeps retrying through CAS
// conflicts; a run must never be left dangling short of terminal.
func (e *Executor) finalize(run *core.Run, status core.RunStatus, msg string) error {
	now := e.clock.Now()
	run.EndTS = &now
	return e.updateWithRetry(run, status, msg)
}

func (e *Executor) updateWithRetry(run *core.Run, status core.RunStatus, msg string) error {
	run.Status = status
	run.StatusMessage = msg
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := e.coord.UpdateRun(context.Background(), run)
		if err == nil {
			*run = resp.Run
			if e.rec != nil {
				e.rec.RunStatus(string(status))
			}
			return nil
		}
		if api.CodeOf(err) != api.CodeConflict {
			return core.WrapRunError("update", run.ID, err)
		}
		// Lost a version race; re-read and retry the same transition.
		runs, gerr := e.coord.GetRuns(context.Background(), api.RunsFilter{JobID: run.JobID, NodeID: run.NodeID})
		if gerr != nil {
			return core.WrapRunError("refresh", run.ID, gerr)
		}
		for _, cur := range runs {
			if cur.ID == run.ID {
				run.Version = cur.Version
				break
			}
		}
	}
	return core.WrapRunError("update", run.ID, core.ErrCASConflict)
}
