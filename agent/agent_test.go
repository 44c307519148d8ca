package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/blob"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/executor"
	"github.com/leoscope/leotest/trigger"
)

// fakeCoord backs both the agent and the executor in tests.
type fakeCoord struct {
	mu          sync.Mutex
	jobs        []core.Job
	runs        map[string]core.Run
	tasks       map[string]core.Task
	nodes       map[string]core.Node
	scavenger   bool
	heartbeats  int
	rescheduled map[string]time.Time
	panicPulls  int
	configDoc   map[string]interface{}
	configErr   error
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{
		runs:        make(map[string]core.Run),
		tasks:       make(map[string]core.Task),
		nodes:       make(map[string]core.Node),
		rescheduled: make(map[string]time.Time),
	}
}

func (f *fakeCoord) JobsByNode(_ context.Context, _ string) ([]core.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicPulls > 0 {
		f.panicPulls--
		panic("store exploded")
	}
	return append([]core.Job(nil), f.jobs...), nil
}

func (f *fakeCoord) Heartbeat(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return true, nil
}

func (f *fakeCoord) GetScavenger(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scavenger, nil
}

func (f *fakeCoord) RescheduleJobNearest(_ context.Context, jobID string, after time.Time) (*api.RescheduleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled[jobID] = after
	return &api.RescheduleResponse{Code: api.CodeOK, NewStart: after.Add(time.Minute)}, nil
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
		return nil, &api.Error{Code: api.CodeInvalid}
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

func (f *fakeCoord) GetConfig(_ context.Context) (*core.GlobalConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return nil, f.configErr
	}
	return &core.GlobalConfig{Doc: f.configDoc}, nil
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

func (f *fakeCoord) setJobs(jobs ...core.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = jobs
}

func (f *fakeCoord) runForJob(jobID string) (core.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.JobID == jobID {
			return r, true
		}
	}
	return core.Run{}, false
}

type agentEnv struct {
	agent    *Agent
	coord    *fakeCoord
	provider *executor.FakeProvider
}

func newAgentEnv(t *testing.T) *agentEnv {
	t.Helper()
	coord := newFakeCoord()
	provider := executor.NewFakeProvider()
	exit := 0
	provider.AutoExit = &exit
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	exec := executor.New(executor.Config{
		NodeID:       "node-a",
		WorkDir:      t.TempDir(),
		PollInterval: 2 * time.Millisecond,
	}, provider, coord, blobs, trigger.NewSnapshot(), nil, &core.SimpleLogger{}, core.NewRealClock())
	a := New(Config{NodeID: "node-a", TickInterval: time.Hour}, coord, exec, &core.SimpleLogger{}, core.NewRealClock())
	return &agentEnv{agent: a, coord: coord, provider: provider}
}

func futureCron(id string) core.Job {
	start := time.Now().Add(time.Hour)
	return core.Job{
		ID:         id,
		NodeID:     "node-a",
		OwnerID:    "alice",
		Kind:       core.JobCron,
		Schedule:   "*/10 * * * *",
		Validity:   core.Validity{Start: start, End: start.Add(time.Hour)},
		LengthSecs: 60,
		Overhead:   true,
		Params:     core.JobParams{Execute: "leoscope/ping:latest"},
	}
}

func atqAt(id string, at time.Time) core.Job {
	return core.Job{
		ID:         id,
		NodeID:     "node-a",
		OwnerID:    "alice",
		Kind:       core.JobAtq,
		At:         at,
		Validity:   core.Validity{Start: at.Add(-time.Minute), End: at.Add(time.Hour)},
		LengthSecs: 60,
		Overhead:   true,
		Params:     core.JobParams{Execute: "leoscope/ping:latest"},
	}
}

func TestTickRegistersAndPrunesCronJobs(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()

	env.coord.setJobs(futureCron("job-1"))
	env.agent.Tick(ctx)
	assert.Contains(t, env.agent.cronHash, "job-1")

	// Same schedule again: no churn.
	hash := env.agent.cronHash["job-1"]
	env.agent.Tick(ctx)
	assert.Equal(t, hash, env.agent.cronHash["job-1"])

	// Job disappears: entry pruned.
	env.coord.setJobs()
	env.agent.Tick(ctx)
	assert.NotContains(t, env.agent.cronHash, "job-1")
	assert.NotContains(t, env.agent.jobs, "job-1")
}

func TestServerSideJobNotDispatched(t *testing.T) {
	env := newAgentEnv(t)
	j := futureCron("job-1")
	j.NodeID = "node-b"
	j.ServerNodeID = "node-a"
	env.coord.setJobs(j)
	env.agent.Tick(context.Background())
	assert.NotContains(t, env.agent.cronHash, "job-1")
	assert.Contains(t, env.agent.jobs, "job-1")
}

func TestAtqTimerDispatchesRun(t *testing.T) {
	env := newAgentEnv(t)
	env.coord.setJobs(atqAt("job-1", time.Now().Add(30*time.Millisecond)))
	env.agent.Tick(context.Background())

	require.Eventually(t, func() bool {
		r, ok := env.coord.runForJob("job-1")
		return ok && r.Status == core.RunCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPastAtqWithoutRunIsRescheduled(t *testing.T) {
	env := newAgentEnv(t)
	env.coord.setJobs(atqAt("job-1", time.Now().Add(-10*time.Second)))
	env.agent.Tick(context.Background())

	env.coord.mu.Lock()
	_, ok := env.coord.rescheduled["job-1"]
	env.coord.mu.Unlock()
	assert.True(t, ok)
}

func TestPastAtqWithRunIsLeftAlone(t *testing.T) {
	env := newAgentEnv(t)
	env.coord.runs["run-1"] = core.Run{ID: "run-1", JobID: "job-1", NodeID: "node-a", Status: core.RunCompleted, Version: 1}
	env.coord.setJobs(atqAt("job-1", time.Now().Add(-10*time.Second)))
	env.agent.Tick(context.Background())

	env.coord.mu.Lock()
	_, ok := env.coord.rescheduled["job-1"]
	env.coord.mu.Unlock()
	assert.False(t, ok)
}

func TestPastAtqBeyondDeadlineAbandoned(t *testing.T) {
	env := newAgentEnv(t)
	j := atqAt("job-1", time.Now().Add(-2*time.Hour))
	j.Validity.End = time.Now().Add(-time.Hour)
	env.coord.setJobs(j)
	env.agent.Tick(context.Background())

	assert.True(t, env.agent.abandoned["job-1"])
	env.coord.mu.Lock()
	_, ok := env.coord.rescheduled["job-1"]
	env.coord.mu.Unlock()
	assert.False(t, ok)
}

func TestScavengerStepPreemptsAndReschedules(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()
	env.coord.scavenger = true

	job := atqAt("job-1", time.Now().Add(-time.Minute))
	env.coord.runs["run-1"] = core.Run{ID: "run-1", JobID: "job-1", NodeID: "node-a", Status: core.RunRunning, Version: 2}
	env.coord.setJobs(job)

	id, err := env.provider.CreateContainer(ctx, &executor.ContainerConfig{
		Labels: map[string]string{
			executor.LabelOwned: "true", executor.LabelOverhead: "true",
			executor.LabelJobID: "job-1", executor.LabelRunID: "run-1",
		},
	}, "leotest-run-1")
	require.NoError(t, err)
	// Keep the container running despite AutoExit.
	env.provider.AutoExit = nil
	require.NoError(t, env.provider.StartContainer(ctx, id))

	env.agent.Tick(ctx)

	run := env.coord.runs["run-1"]
	assert.Equal(t, core.RunAborted, run.Status)
	assert.True(t, env.provider.Removed(id))
	env.coord.mu.Lock()
	_, rescheduled := env.coord.rescheduled["job-1"]
	env.coord.mu.Unlock()
	assert.True(t, rescheduled)
}

func TestTaskPollerAnswersServerSetup(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()

	j := futureCron("job-1")
	j.NodeID = "node-b"
	j.ServerNodeID = "node-a"
	env.coord.setJobs(j)
	env.coord.tasks["task-1"] = core.Task{
		ID: "task-1", RunID: "run-1", JobID: "job-1", NodeID: "node-a",
		Kind: core.TaskServerSetup, Status: core.TaskPending, TTLSecs: 120,
		CreatedTS: time.Now(),
	}

	env.agent.Tick(ctx)
	env.agent.exec.Wait()

	env.coord.mu.Lock()
	status := env.coord.tasks["task-1"].Status
	env.coord.mu.Unlock()
	assert.Equal(t, core.TaskComplete, status)
}

func TestTickSurvivesPanic(t *testing.T) {
	env := newAgentEnv(t)
	env.coord.panicPulls = 1

	env.agent.Tick(context.Background()) // panics inside, contained

	env.coord.setJobs(futureCron("job-1"))
	env.agent.Tick(context.Background())
	assert.Contains(t, env.agent.cronHash, "job-1")
}

func TestGlobalConfigOverridesTick(t *testing.T) {
	env := newAgentEnv(t)
	env.agent.applyGlobalSettings(map[string]interface{}{
		"tick_interval_secs": 30.0,
		"unrelated":          "ignored",
	})
	assert.Equal(t, 30*time.Second, env.agent.cfg.TickInterval)
}

func TestConfigFallbackWhenCoordinatorUnavailable(t *testing.T) {
	env := newAgentEnv(t)
	env.coord.configErr = errors.New("coordinator down")
	env.agent.cfg.ConfigFallback = func(context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"tick_interval_secs": 45}, nil
	}
	require.NoError(t, env.agent.Start(context.Background()))
	defer env.agent.Shutdown()
	assert.Equal(t, 45*time.Second, env.agent.cfg.TickInterval)
}

func TestHeartbeatEachTick(t *testing.T) {
	env := newAgentEnv(t)
	env.agent.Tick(context.Background())
	env.agent.Tick(context.Background())

	env.coord.mu.Lock()
	beats := env.coord.heartbeats
	env.coord.mu.Unlock()
	assert.Equal(t, 2, beats)
}
