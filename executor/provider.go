// Package executor drives one run of an experiment container through its
// lifecycle on a node: deploy, trigger gate, rendezvous, supervision,
// artifact upload and teardown. The scavenger's preemption path also
// lives here.
package executor

import (
	"context"
	"io"
	"time"
)

// Container labels identifying scheduler-owned containers. The leotest
// label is the sole handle orphan recovery and the scavenger use.
const (
	LabelOwned    = "leotest"
	LabelJobID    = "jobid"
	LabelRunID    = "runid"
	LabelNodeID   = "nodeid"
	LabelOverhead = "overhead"
)

// ContainerConfig is what the executor needs to create a container.
type ContainerConfig struct {
	Image  string
	Cmd    []string
	Env    []string
	Labels map[string]string
	Binds  []string
}

// ContainerState is the inspected view of a container.
type ContainerState struct {
	ID         string
	Name       string
	Running    bool
	ExitCode   int
	Labels     map[string]string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ContainerProvider is the container runtime port. The Docker adapter
// implements it; tests use the in-memory fake.
type ContainerProvider interface {
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, cfg *ContainerConfig, name string) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (*ContainerState, error)
	// ListContainers returns containers (running or not) carrying every
	// given label.
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerState, error)
	ContainerLogs(ctx context.Context, id string, w io.Writer) error
	Close() error
}
