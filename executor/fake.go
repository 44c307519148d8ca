package executor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// FakeProvider is the in-memory container runtime used by tests. A
// container started with AutoExit set finishes on its next inspection;
// otherwise tests drive completion through Finish.
type FakeProvider struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer

	// AutoExit, when non-nil, is the exit code every started container
	// reports on its first inspection after start.
	AutoExit *int
	// PullErr fails every PullImage call when set.
	PullErr error
	// Logs is what ContainerLogs writes.
	Logs string
}

type fakeContainer struct {
	id       string
	name     string
	cfg      ContainerConfig
	created  bool
	started  bool
	finished bool
	exitCode int
	removed  bool
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{containers: make(map[string]*fakeContainer), Logs: "fake container output\n"}
}

var _ ContainerProvider = (*FakeProvider)(nil)

func (p *FakeProvider) PullImage(_ context.Context, _ string) error {
	return p.PullErr
}

func (p *FakeProvider) CreateContainer(_ context.Context, cfg *ContainerConfig, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("fake-%d", p.seq)
	p.containers[id] = &fakeContainer{id: id, name: name, cfg: *cfg, created: true}
	return id, nil
}

func (p *FakeProvider) StartContainer(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.started = true
	return nil
}

// Finish marks a running container exited.
func (p *FakeProvider) Finish(id string, exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[id]; ok {
		c.finished = true
		c.exitCode = exitCode
	}
}

func (p *FakeProvider) StopContainer(_ context.Context, id string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[id]; ok && !c.finished {
		c.finished = true
		c.exitCode = 137
	}
	return nil
}

func (p *FakeProvider) RemoveContainer(_ context.Context, id string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[id]; ok {
		c.removed = true
	}
	return nil
}

func (p *FakeProvider) InspectContainer(_ context.Context, id string) (*ContainerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	if c.started && !c.finished && p.AutoExit != nil {
		c.finished = true
		c.exitCode = *p.AutoExit
	}
	return &ContainerState{
		ID:       c.id,
		Name:     c.name,
		Running:  c.started && !c.finished,
		ExitCode: c.exitCode,
		Labels:   c.cfg.Labels,
	}, nil
}

func (p *FakeProvider) ListContainers(_ context.Context, labels map[string]string) ([]ContainerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ContainerState
	for _, c := range p.containers {
		if c.removed {
			continue
		}
		match := true
		for k, v := range labels {
			if c.cfg.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, ContainerState{
				ID:       c.id,
				Name:     c.name,
				Running:  c.started && !c.finished,
				ExitCode: c.exitCode,
				Labels:   c.cfg.Labels,
			})
		}
	}
	return out, nil
}

func (p *FakeProvider) ContainerLogs(_ context.Context, id string, w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.containers[id]; !ok {
		return fmt.Errorf("no such container %s", id)
	}
	_, err := io.WriteString(w, p.Logs)
	return err
}

// Removed reports whether the container has been removed.
func (p *FakeProvider) Removed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[id]
	return ok && c.removed
}

// Container returns the recorded config for assertions.
func (p *FakeProvider) Container(id string) (ContainerConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[id]
	if !ok {
		return ContainerConfig{}, false
	}
	return c.cfg, true
}

func (p *FakeProvider) Close() error { return nil }
