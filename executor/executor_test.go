package executor

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/blob"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/trigger"
)

// fakeCoord is an in-process Coordinator with the same CAS and
// transition rules the real service enforces.
type fakeCoord struct {
	mu    sync.Mutex
	runs  map[string]core.Run
	tasks map[string]core.Task
	nodes map[string]core.Node
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{
		runs:  make(map[string]core.Run),
		tasks: make(map[string]core.Task),
		nodes: make(map[string]core.Node),
	}
}

func (f *fakeCoord) CreateRun(_ context.Context, r *core.Run) (*api.RunResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.runs[r.ID]; ok {
		return &api.RunResponse{Code: api.CodeOK, Run: existing}, nil
	}
	run := *r
	run.Version = 1
	f.runs[r.ID] = run
	return &api.RunResponse{Code: api.CodeOK, Run: run}, nil
}

func (f *fakeCoord) UpdateRun(_ context.Context, r *core.Run) (*api.RunResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.runs[r.ID]
	if !ok {
		return nil, &api.Error{Code: api.CodeNotFound}
	}
	if !cur.Status.CanTransition(r.Status) {
		return nil, &api.Error{Code: api.CodeInvalid, Message: "bad transition"}
	}
	if cur.Version != r.Version {
		return nil, &api.Error{Code: api.CodeConflict}
	}
	run := *r
	run.Version++
	f.runs[r.ID] = run
	return &api.RunResponse{Code: api.CodeOK, Run: run}, nil
}

func (f *fakeCoord) GetRuns(_ context.Context, flt api.RunsFilter) ([]core.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Run
	for _, r := range f.runs {
		if flt.JobID != "" && r.JobID != flt.JobID {
			continue
		}
		if flt.NodeID != "" && r.NodeID != flt.NodeID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeCoord) runStatus(id string) core.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id].Status
}

func (f *fakeCoord) ScheduleTask(_ context.Context, t *core.Task) (*api.TaskResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = *t
	return &api.TaskResponse{Code: api.CodeOK, Task: *t}, nil
}

func (f *fakeCoord) GetTasks(_ context.Context, flt api.TasksFilter) ([]core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Task
	for _, t := range f.tasks {
		if flt.TaskID != "" && t.ID != flt.TaskID {
			continue
		}
		if flt.NodeID != "" && t.NodeID != flt.NodeID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeCoord) UpdateTask(_ context.Context, t *core.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = *t
	return nil
}

func (f *fakeCoord) GetNodes(_ context.Context, flt api.NodesFilter) ([]core.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Node
	for _, n := range f.nodes {
		if flt.NodeID != "" && n.ID != flt.NodeID {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

type execEnv struct {
	exec     *Executor
	provider *FakeProvider
	coord    *fakeCoord
	blobs    *blob.Local
	snap     *trigger.Snapshot
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	provider := NewFakeProvider()
	coord := newFakeCoord()
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	snap := trigger.NewSnapshot()
	cfg := Config{
		NodeID:       "node-a",
		WorkDir:      t.TempDir(),
		PollInterval: 2 * time.Millisecond,
		GracePeriod:  30 * time.Second,
		StopTimeout:  time.Second,
	}
	e := New(cfg, provider, coord, blobs, snap, nil, &core.SimpleLogger{}, core.NewRealClock())
	return &execEnv{exec: e, provider: provider, coord: coord, blobs: blobs, snap: snap}
}

func execJob(id string) *core.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return &core.Job{
		ID:         id,
		NodeID:     "node-a",
		OwnerID:    "alice",
		Kind:       core.JobAtq,
		At:         now,
		Validity:   core.Validity{Start: now, End: now.Add(time.Hour)},
		LengthSecs: 60,
		Overhead:   true,
		Params:     core.JobParams{Execute: "leoscope/ping:latest"},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	env := newExecEnv(t)
	exit := 0
	env.provider.AutoExit = &exit

	job := execJob("job-1")
	job.Config = "mode: client\nserver: 203.0.113.7\n"
	require.NoError(t, env.exec.Execute(context.Background(), job, "run-1", job.At))

	run := env.coord.runs["run-1"]
	assert.Equal(t, core.RunCompleted, run.Status)
	assert.NotEmpty(t, run.ArtifactURL)
	assert.NotNil(t, run.EndTS)
	assert.True(t, env.provider.Removed("fake-1"))

	cfg, ok := env.provider.Container("fake-1")
	require.True(t, ok)
	assert.Equal(t, "true", cfg.Labels[LabelOwned])
	assert.Equal(t, "job-1", cfg.Labels[LabelJobID])
	assert.Equal(t, "run-1", cfg.Labels[LabelRunID])
	assert.Equal(t, "true", cfg.Labels[LabelOverhead])
	assert.Contains(t, cfg.Env, "LEOTEST_SERVER=0")
	assert.Contains(t, cfg.Env, "LEOTEST_RUNID=run-1")
	assert.Contains(t, cfg.Env, "LEOTEST_JOBID=job-1")
	assert.Contains(t, cfg.Env, "LEOTEST_NODEID=node-a")
	assert.Contains(t, cfg.Env, "LEOTEST_LENGTH=60")

	key := blob.ArtifactKey("node-a", "job-1", "run-1", job.At)
	rc, err := env.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()

	// The archive carries the materialised config next to the container
	// log, so the artifact alone reproduces the run.
	files := readArchive(t, rc)
	assert.Equal(t, job.Config, files["config"])
	assert.Contains(t, files, "container.log")
}

func readArchive(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(r)
	require.NoError(t, err)
	defer gz.Close()

	files := map[string]string{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = string(body)
	}
	return files
}

func TestExecuteTriggerNotSatisfiedSkips(t *testing.T) {
	env := newExecEnv(t)
	env.snap.Set("satellite_elevation", 12.0, time.Now())

	job := execJob("job-1")
	job.Trigger = "satellite_elevation > 30"
	require.NoError(t, env.exec.Execute(context.Background(), job, "run-1", job.At))

	run := env.coord.runs["run-1"]
	assert.Equal(t, core.RunSkipped, run.Status)
	assert.Contains(t, run.StatusMessage, "trigger")

	// Nothing was deployed.
	containers, err := env.provider.ListContainers(context.Background(), map[string]string{LabelOwned: "true"})
	require.NoError(t, err)
	assert.Empty(t, containers)
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	env := newExecEnv(t)
	exit := 2
	env.provider.AutoExit = &exit

	job := execJob("job-1")
	require.NoError(t, env.exec.Execute(context.Background(), job, "run-1", job.At))

	run := env.coord.runs["run-1"]
	assert.Equal(t, core.RunFailed, run.Status)
	assert.Contains(t, run.StatusMessage, "exited with code 2")
	// The archive still made it to the blob store.
	assert.NotEmpty(t, run.ArtifactURL)
}

func TestExecutePullFailureFails(t *testing.T) {
	env := newExecEnv(t)
	env.provider.PullErr = assert.AnError

	job := execJob("job-1")
	require.NoError(t, env.exec.Execute(context.Background(), job, "run-1", job.At))
	run := env.coord.runs["run-1"]
	assert.Equal(t, core.RunFailed, run.Status)
	assert.Contains(t, run.StatusMessage, "pull image")
}

func TestCancelAbortsRun(t *testing.T) {
	env := newExecEnv(t)
	job := execJob("job-1")

	done := make(chan error, 1)
	go func() {
		done <- env.exec.Execute(context.Background(), job, "run-1", job.At)
	}()

	require.Eventually(t, func() bool {
		return env.coord.runStatus("run-1") == core.RunRunning
	}, 2*time.Second, time.Millisecond)

	require.True(t, env.exec.Cancel("run-1"))
	require.NoError(t, <-done)
	assert.Equal(t, core.RunAborted, env.coord.runStatus("run-1"))
	assert.True(t, env.provider.Removed("fake-1"))
}

func TestPreemptOverheadAbortsOrphan(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	// An orphan overhead container with a non-terminal run.
	id, err := env.provider.CreateContainer(ctx, &ContainerConfig{
		Image: "leoscope/ping:latest",
		Labels: map[string]string{
			LabelOwned: "true", LabelOverhead: "true",
			LabelJobID: "job-1", LabelRunID: "run-1", LabelNodeID: "node-a",
		},
	}, "leotest-run-1")
	require.NoError(t, err)
	require.NoError(t, env.provider.StartContainer(ctx, id))
	env.coord.runs["run-1"] = core.Run{ID: "run-1", JobID: "job-1", NodeID: "node-a", Status: core.RunRunning, Version: 3}

	preempted, err := env.exec.PreemptOverhead(ctx)
	require.NoError(t, err)
	require.Len(t, preempted, 1)
	assert.Equal(t, Preempted{JobID: "job-1", RunID: "run-1"}, preempted[0])
	assert.Equal(t, core.RunAborted, env.coord.runStatus("run-1"))
	assert.True(t, env.provider.Removed(id))
}

func TestPreemptSkipsNonOverhead(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	id, err := env.provider.CreateContainer(ctx, &ContainerConfig{
		Labels: map[string]string{
			LabelOwned: "true", LabelOverhead: "false",
			LabelJobID: "job-1", LabelRunID: "run-1",
		},
	}, "leotest-run-1")
	require.NoError(t, err)
	require.NoError(t, env.provider.StartContainer(ctx, id))

	preempted, err := env.exec.PreemptOverhead(ctx)
	require.NoError(t, err)
	assert.Empty(t, preempted)
	assert.False(t, env.provider.Removed(id))
}

func TestRecoverMarksDeadRunFailed(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	id, err := env.provider.CreateContainer(ctx, &ContainerConfig{
		Labels: map[string]string{
			LabelOwned: "true", LabelJobID: "job-1", LabelRunID: "run-1",
		},
	}, "leotest-run-1")
	require.NoError(t, err)
	require.NoError(t, env.provider.StartContainer(ctx, id))
	env.provider.Finish(id, 1)
	env.coord.runs["run-1"] = core.Run{ID: "run-1", JobID: "job-1", NodeID: "node-a", Status: core.RunRunning, Version: 3}

	require.NoError(t, env.exec.Recover(ctx, map[string]*core.Job{"job-1": execJob("job-1")}))
	assert.Equal(t, core.RunFailed, env.coord.runStatus("run-1"))
	assert.True(t, env.provider.Removed(id))
}

func TestRecoverRemovesContainerOfTerminalRun(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	id, err := env.provider.CreateContainer(ctx, &ContainerConfig{
		Labels: map[string]string{
			LabelOwned: "true", LabelJobID: "job-1", LabelRunID: "run-1",
		},
	}, "leotest-run-1")
	require.NoError(t, err)
	env.coord.runs["run-1"] = core.Run{ID: "run-1", Status: core.RunCompleted, NodeID: "node-a", Version: 5}

	require.NoError(t, env.exec.Recover(ctx, nil))
	assert.True(t, env.provider.Removed(id))
	assert.Equal(t, core.RunCompleted, env.coord.runStatus("run-1"))
}

func TestRunServerSetup(t *testing.T) {
	env := newExecEnv(t)
	exit := 0
	env.provider.AutoExit = &exit
	ctx := context.Background()

	job := execJob("job-1")
	job.ServerNodeID = "node-a"
	task := &core.Task{ID: "run-1-setup", RunID: "run-1", JobID: "job-1", NodeID: "node-a", Kind: core.TaskServerSetup, Status: core.TaskPending, TTLSecs: 120}
	env.coord.tasks[task.ID] = *task

	require.NoError(t, env.exec.RunServerSetup(ctx, job, task))
	env.exec.Wait()

	assert.Equal(t, core.TaskComplete, env.coord.tasks[task.ID].Status)
	cfg, ok := env.provider.Container("fake-1")
	require.True(t, ok)
	assert.Contains(t, cfg.Env, "LEOTEST_SERVER=1")
	assert.True(t, env.provider.Removed("fake-1"))
}

func TestRendezvousTimeoutFails(t *testing.T) {
	env := newExecEnv(t)
	env.coord.nodes["node-b"] = core.Node{ID: "node-b", PublicIP: "203.0.113.7"}

	job := execJob("job-1")
	job.ServerNodeID = "node-b"

	// Nothing ever acknowledges the task; cancel the context to end the
	// wait instead of sitting through the TTL. A deployment that never
	// assembled its server is a failure, not a skip: the trigger gate was
	// already satisfied.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, env.exec.Execute(ctx, job, "run-1", job.At))

	run := env.coord.runs["run-1"]
	assert.Equal(t, core.RunFailed, run.Status)
	assert.Contains(t, strings.ToLower(run.StatusMessage), "rendezvous")

	// The setup task lives exactly as long as the experiment would have.
	task, ok := env.coord.tasks["run-1-setup"]
	require.True(t, ok)
	assert.Equal(t, job.LengthSecs, task.TTLSecs)
}

func TestExecuteSplitsCommandOverride(t *testing.T) {
	env := newExecEnv(t)
	exit := 0
	env.provider.AutoExit = &exit

	job := execJob("job-1")
	job.Params.Execute = `leoscope/iperf:latest iperf3 -c server -t "10"`
	require.NoError(t, env.exec.Execute(context.Background(), job, "run-1", job.At))

	cfg, ok := env.provider.Container("fake-1")
	require.True(t, ok)
	assert.Equal(t, "leoscope/iperf:latest", cfg.Image)
	assert.Equal(t, []string{"iperf3", "-c", "server", "-t", "10"}, cfg.Cmd)
}
