package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leoscope/leotest/core"
)

func testJob(id, nodeID, serverNodeID string) *core.Job {
	return &core.Job{
		ID:           id,
		NodeID:       nodeID,
		OwnerID:      "alice",
		Kind:         core.JobAtq,
		At:           time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Validity:     core.Validity{Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		LengthSecs:   300,
		ServerNodeID: serverNodeID,
		Params:       core.JobParams{Execute: "leoscope/ping:latest"},
	}
}

func TestMemoryJobCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	j := testJob("job-1", "node-a", "")
	require.NoError(t, m.CreateJob(ctx, j))
	assert.ErrorIs(t, m.CreateJob(ctx, j), core.ErrAlreadyExists)

	got, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.NodeID)

	// The store copies values both ways.
	got.NodeID = "node-z"
	again, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", again.NodeID)

	require.NoError(t, m.DeleteJob(ctx, "job-1"))
	_, err = m.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
	assert.ErrorIs(t, m.DeleteJob(ctx, "job-1"), core.ErrJobNotFound)
}

func TestMemoryJobsByNodeIncludesServerSide(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateJob(ctx, testJob("job-1", "node-a", "")))
	require.NoError(t, m.CreateJob(ctx, testJob("job-2", "node-b", "node-a")))
	require.NoError(t, m.CreateJob(ctx, testJob("job-3", "node-c", "")))

	jobs, err := m.JobsByNode(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "job-2", jobs[1].ID)

	jobs, err = m.JobsByNode(ctx, "node-b")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-2", jobs[0].ID)
}

func TestMemoryRunCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r := &core.Run{ID: "run-1", JobID: "job-1", NodeID: "node-a", OwnerID: "alice", Status: core.RunScheduled}
	require.NoError(t, m.CreateRun(ctx, r))
	assert.Equal(t, int64(1), r.Version)

	r.Status = core.RunDeploying
	require.NoError(t, m.UpdateRunCAS(ctx, r, 1))
	assert.Equal(t, int64(2), r.Version)

	// Stale writer loses.
	stale := &core.Run{ID: "run-1", Status: core.RunFailed}
	assert.ErrorIs(t, m.UpdateRunCAS(ctx, stale, 1), core.ErrCASConflict)

	got, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunDeploying, got.Status)
	assert.Equal(t, int64(2), got.Version)

	assert.ErrorIs(t, m.UpdateRunCAS(ctx, &core.Run{ID: "nope"}, 1), core.ErrRunNotFound)
}

func TestMemoryListRunsFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateRun(ctx, &core.Run{ID: "run-1", JobID: "job-1", NodeID: "node-a", OwnerID: "alice", Status: core.RunCompleted}))
	require.NoError(t, m.CreateRun(ctx, &core.Run{ID: "run-2", JobID: "job-1", NodeID: "node-a", OwnerID: "alice", Status: core.RunFailed}))
	require.NoError(t, m.CreateRun(ctx, &core.Run{ID: "run-3", JobID: "job-2", NodeID: "node-b", OwnerID: "bob", Status: core.RunCompleted}))

	runs, err := m.ListRuns(ctx, RunFilter{JobID: "job-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = m.ListRuns(ctx, RunFilter{Status: core.RunCompleted})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = m.ListRuns(ctx, RunFilter{NodeID: "node-b", OwnerID: "bob"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-3", runs[0].ID)
}

func TestMemoryAdmissionSerialises(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var inside int
	var maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithNodeAdmission(ctx, []string{"node-a", "node-b"}, func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestMemoryAdmissionDuplicateNodeIDs(t *testing.T) {
	m := NewMemory()
	// A paired job targeting the same node twice must not self-deadlock.
	err := m.WithNodeAdmission(context.Background(), []string{"node-a", "node-a"}, func() error { return nil })
	assert.NoError(t, err)
}

func TestMemoryTasksOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.CreateTask(ctx, &core.Task{ID: "t2", NodeID: "node-a", Kind: core.TaskServerSetup, Status: core.TaskPending, TTLSecs: 60, CreatedTS: base.Add(time.Minute)}))
	require.NoError(t, m.CreateTask(ctx, &core.Task{ID: "t1", NodeID: "node-a", Kind: core.TaskServerSetup, Status: core.TaskPending, TTLSecs: 60, CreatedTS: base}))

	tasks, err := m.ListTasks(ctx, TaskFilter{NodeID: "node-a"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, "t2", tasks[1].ID)
}

func TestMemoryConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	c, err := m.GetConfig(ctx)
	require.NoError(t, err)
	assert.Empty(t, c.Doc)

	require.NoError(t, m.PutConfig(ctx, &core.GlobalConfig{
		Doc:       map[string]interface{}{"heartbeat_secs": 30.0},
		UpdatedBy: "admin",
	}))
	c, err = m.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30.0, c.Doc["heartbeat_secs"])
	assert.Equal(t, "admin", c.UpdatedBy)
}

func TestMemoryConfigCopiesDoc(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	in := &core.GlobalConfig{
		Doc: map[string]interface{}{
			"heartbeat_secs": 30.0,
			"scavenger":      map[string]interface{}{"enabled": true},
		},
	}
	require.NoError(t, m.PutConfig(ctx, in))

	// Mutating what callers hold, on either side of the store, must not
	// leak into the stored document.
	in.Doc["heartbeat_secs"] = 5.0

	c, err := m.GetConfig(ctx)
	require.NoError(t, err)
	c.Doc["heartbeat_secs"] = 99.0
	c.Doc["scavenger"].(map[string]interface{})["enabled"] = false

	fresh, err := m.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30.0, fresh.Doc["heartbeat_secs"])
	assert.Equal(t, true, fresh.Doc["scavenger"].(map[string]interface{})["enabled"])
}
