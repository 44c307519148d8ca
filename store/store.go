// Package store is the metadata store adapter: typed CRUD over the
// collections users, nodes, jobs, runs, tasks and config. The store owns
// all authoritative state; the coordinator holds nothing beyond per-call
// context and node agents only derive from it.
package store

import (
	"context"

	"github.com/leoscope/leotest/core"
)

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	JobID   string
	NodeID  string
	OwnerID string
	Status  core.RunStatus
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ID     string
	NodeID string
	RunID  string
}

// Store is the document-store port. Implementations provide optimistic
// semantics: UpdateRunCAS is a compare-and-set on the run's version, and
// WithNodeAdmission serialises the admission critical section per node so
// admissions on the same node form a total order.
type Store interface {
	CreateUser(ctx context.Context, u *core.User) error
	GetUser(ctx context.Context, id string) (*core.User, error)
	UpdateUser(ctx context.Context, u *core.User) error
	DeleteUser(ctx context.Context, id string) error

	CreateNode(ctx context.Context, n *core.Node) error
	GetNode(ctx context.Context, id string) (*core.Node, error)
	UpdateNode(ctx context.Context, n *core.Node) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]*core.Node, error)

	CreateJob(ctx context.Context, j *core.Job) error
	GetJob(ctx context.Context, id string) (*core.Job, error)
	UpdateJob(ctx context.Context, j *core.Job) error
	DeleteJob(ctx context.Context, id string) error
	// JobsByNode returns jobs whose node_id or server_node_id matches.
	JobsByNode(ctx context.Context, nodeID string) ([]*core.Job, error)
	JobsByOwner(ctx context.Context, ownerID string) ([]*core.Job, error)

	CreateRun(ctx context.Context, r *core.Run) error
	GetRun(ctx context.Context, id string) (*core.Run, error)
	// UpdateRunCAS persists r if the stored version still equals
	// expectedVersion, bumping the version. Returns core.ErrCASConflict
	// otherwise.
	UpdateRunCAS(ctx context.Context, r *core.Run, expectedVersion int64) error
	ListRuns(ctx context.Context, f RunFilter) ([]*core.Run, error)

	CreateTask(ctx context.Context, t *core.Task) error
	GetTask(ctx context.Context, id string) (*core.Task, error)
	UpdateTask(ctx context.Context, t *core.Task) error
	ListTasks(ctx context.Context, f TaskFilter) ([]*core.Task, error)

	GetConfig(ctx context.Context) (*core.GlobalConfig, error)
	PutConfig(ctx context.Context, c *core.GlobalConfig) error

	// WithNodeAdmission runs fn while holding the admission locks for the
	// given node ids. Locks are acquired in sorted order to avoid
	// deadlock between paired admissions.
	WithNodeAdmission(ctx context.Context, nodeIDs []string, fn func() error) error

	Close() error
}

func (f RunFilter) Matches(r *core.Run) bool {
	if f.JobID != "" && r.JobID != f.JobID {
		return false
	}
	if f.NodeID != "" && r.NodeID != f.NodeID {
		return false
	}
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func (f TaskFilter) Matches(t *core.Task) bool {
	if f.ID != "" && t.ID != f.ID {
		return false
	}
	if f.NodeID != "" && t.NodeID != f.NodeID {
		return false
	}
	if f.RunID != "" && t.RunID != f.RunID {
		return false
	}
	return true
}
