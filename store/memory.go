package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/leoscope/leotest/core"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and
// single-process development deployments; production coordinators run on
// the Redis store.
type Memory struct {
	mu     sync.RWMutex
	users  map[string]core.User
	nodes  map[string]core.Node
	jobs   map[string]core.Job
	runs   map[string]core.Run
	tasks  map[string]core.Task
	config core.GlobalConfig

	admissionMu sync.Mutex
	admission   map[string]*sync.Mutex
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]core.User),
		nodes:     make(map[string]core.Node),
		jobs:      make(map[string]core.Job),
		runs:      make(map[string]core.Run),
		tasks:     make(map[string]core.Task),
		admission: make(map[string]*sync.Mutex),
	}
}

func (m *Memory) CreateUser(_ context.Context, u *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return core.ErrAlreadyExists
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) UpdateUser(_ context.Context, u *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return core.ErrUserNotFound
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return core.ErrUserNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *Memory) CreateNode(_ context.Context, n *core.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.ID]; ok {
		return core.ErrAlreadyExists
	}
	m.nodes[n.ID] = *n
	return nil
}

func (m *Memory) GetNode(_ context.Context, id string) (*core.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, core.ErrNodeNotFound
	}
	return &n, nil
}

func (m *Memory) UpdateNode(_ context.Context, n *core.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.ID]; !ok {
		return core.ErrNodeNotFound
	}
	m.nodes[n.ID] = *n
	return nil
}

func (m *Memory) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return core.ErrNodeNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *Memory) ListNodes(_ context.Context) ([]*core.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		n := n
		out = append(out, &n)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) CreateJob(_ context.Context, j *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return core.ErrAlreadyExists
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return &j, nil
}

func (m *Memory) UpdateJob(_ context.Context, j *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return core.ErrJobNotFound
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return core.ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) JobsByNode(_ context.Context, nodeID string) ([]*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Job
	for _, j := range m.jobs {
		if j.NodeID == nodeID || j.ServerNodeID == nodeID {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) JobsByOwner(_ context.Context, ownerID string) ([]*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Job
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) CreateRun(_ context.Context, r *core.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return core.ErrAlreadyExists
	}
	r.Version = 1
	m.runs[r.ID] = *r
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*core.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, core.ErrRunNotFound
	}
	return &r, nil
}

func (m *Memory) UpdateRunCAS(_ context.Context, r *core.Run, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[r.ID]
	if !ok {
		return core.ErrRunNotFound
	}
	if cur.Version != expectedVersion {
		return core.ErrCASConflict
	}
	r.Version = expectedVersion + 1
	m.runs[r.ID] = *r
	return nil
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]*core.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Run
	for _, r := range m.runs {
		if f.Matches(&r) {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) CreateTask(_ context.Context, t *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return core.ErrAlreadyExists
	}
	m.tasks[t.ID] = *t
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	return &t, nil
}

func (m *Memory) UpdateTask(_ context.Context, t *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return core.ErrTaskNotFound
	}
	m.tasks[t.ID] = *t
	return nil
}

func (m *Memory) ListTasks(_ context.Context, f TaskFilter) ([]*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Task
	for _, t := range m.tasks {
		if f.Matches(&t) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedTS.Before(out[b].CreatedTS) })
	return out, nil
}

func (m *Memory) GetConfig(_ context.Context) (*core.GlobalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.config
	c.Doc = copyDoc(m.config.Doc)
	return &c, nil
}

func (m *Memory) PutConfig(_ context.Context, c *core.GlobalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = *c
	m.config.Doc = copyDoc(c.Doc)
	return nil
}

// copyDoc round-trips the document through JSON so callers can mutate
// what they get back without reaching into the store's copy. The doc
// arrives over the wire as JSON, so the trip is lossless.
func copyDoc(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func (m *Memory) WithNodeAdmission(_ context.Context, nodeIDs []string, fn func() error) error {
	ids := append([]string(nil), nodeIDs...)
	sort.Strings(ids)
	var held []*sync.Mutex
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		mu := m.admissionLock(id)
		mu.Lock()
		held = append(held, mu)
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()
	return fn()
}

func (m *Memory) admissionLock(nodeID string) *sync.Mutex {
	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()
	mu, ok := m.admission[nodeID]
	if !ok {
		mu = &sync.Mutex{}
		m.admission[nodeID] = mu
	}
	return mu
}

func (m *Memory) Close() error { return nil }
