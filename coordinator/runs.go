package coordinator

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/store"
)

// createRun records a freshly dispatched run. Only the node executing it
// may report; resubmitting the same run id is a no-op.
func (s *Server) createRun(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	var req api.UpdateRunRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	run := req.Run
	if run.ID == "" || run.JobID == "" || run.NodeID == "" {
		return nil, &api.Error{Code: api.CodeInvalid, Message: "run id, job id and node id required"}
	}
	if caller.ID != run.NodeID && !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	if run.Status == "" {
		run.Status = core.RunScheduled
	}

	err := s.store.CreateRun(r.Context(), &run)
	if errors.Is(err, core.ErrAlreadyExists) {
		existing, getErr := s.store.GetRun(r.Context(), run.ID)
		if getErr != nil {
			return nil, storeErr(getErr)
		}
		return &api.RunResponse{Code: api.CodeOK, Run: *existing}, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if s.rec != nil {
		s.rec.RunStatus(string(run.Status))
	}
	return &api.RunResponse{Code: api.CodeOK, Run: run}, nil
}

// updateRun applies a status transition. The write is a compare-and-set
// on the version the node last read, and backward edges along the
// lifecycle are rejected.
func (s *Server) updateRun(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	var req api.UpdateRunRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	run := req.Run
	run.ID = mux.Vars(r)["id"]

	cur, err := s.store.GetRun(r.Context(), run.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	if caller.ID != cur.NodeID && !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	if !cur.Status.CanTransition(run.Status) {
		return nil, &api.Error{
			Code:    api.CodeInvalid,
			Message: "transition " + string(cur.Status) + " -> " + string(run.Status) + " violates lifecycle",
		}
	}

	// Immutable identity fields come from the stored record.
	run.JobID = cur.JobID
	run.NodeID = cur.NodeID
	run.OwnerID = cur.OwnerID

	if err := s.store.UpdateRunCAS(r.Context(), &run, run.Version); err != nil {
		if errors.Is(err, core.ErrCASConflict) {
			return nil, &api.Error{Code: api.CodeConflict, Message: err.Error()}
		}
		return nil, storeErr(err)
	}
	if s.rec != nil && run.Status != cur.Status {
		s.rec.RunStatus(string(run.Status))
	}
	return &api.RunResponse{Code: api.CodeOK, Run: run}, nil
}

func (s *Server) getRuns(r *http.Request, _ *core.User) (interface{}, *api.Error) {
	q := r.URL.Query()
	f := store.RunFilter{
		JobID:   q.Get("job_id"),
		NodeID:  q.Get("node_id"),
		OwnerID: q.Get("user_id"),
		Status:  core.RunStatus(q.Get("status")),
	}
	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]core.Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, *run)
	}
	return &api.RunsResponse{Code: api.CodeOK, Runs: out}, nil
}

func (s *Server) scheduleTask(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleNode) {
		return nil, forbidden()
	}
	var req api.ScheduleTaskRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	t := req.Task
	if t.ID == "" || t.NodeID == "" {
		return nil, &api.Error{Code: api.CodeInvalid, Message: "task id and node id required"}
	}
	if t.Status == "" {
		t.Status = core.TaskPending
	}
	if t.TTLSecs <= 0 {
		t.TTLSecs = 120
	}
	t.CreatedTS = s.clock.Now()

	err := s.store.CreateTask(r.Context(), &t)
	if errors.Is(err, core.ErrAlreadyExists) {
		return &api.TaskResponse{Code: api.CodeOK, Task: t}, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &api.TaskResponse{Code: api.CodeOK, Task: t}, nil
}

// getTasks applies the TTL on read: an expired task is marked EXPIRED in
// the store before it is returned. No background sweeper exists.
func (s *Server) getTasks(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleNode) {
		return nil, forbidden()
	}
	q := r.URL.Query()
	f := store.TaskFilter{
		ID:     q.Get("task_id"),
		NodeID: q.Get("node_id"),
		RunID:  q.Get("run_id"),
	}
	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		return nil, storeErr(err)
	}

	now := s.clock.Now()
	out := make([]core.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Expired(now) && t.Status != core.TaskComplete && t.Status != core.TaskFailed && t.Status != core.TaskExpired {
			t.Status = core.TaskExpired
			if err := s.store.UpdateTask(r.Context(), t); err != nil {
				s.logger.Warningf("expire task %q: %v", t.ID, err)
			}
		}
		out = append(out, *t)
	}
	return &api.TasksResponse{Code: api.CodeOK, Tasks: out}, nil
}

func (s *Server) updateTask(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleNode) {
		return nil, forbidden()
	}
	var req api.ScheduleTaskRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	t := req.Task
	t.ID = mux.Vars(r)["id"]
	cur, err := s.store.GetTask(r.Context(), t.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	// Identity and creation time are immutable.
	t.RunID = cur.RunID
	t.JobID = cur.JobID
	t.NodeID = cur.NodeID
	t.Kind = cur.Kind
	t.CreatedTS = cur.CreatedTS
	if t.TTLSecs == 0 {
		t.TTLSecs = cur.TTLSecs
	}
	if err := s.store.UpdateTask(r.Context(), &t); err != nil {
		return nil, storeErr(err)
	}
	return &api.TaskResponse{Code: api.CodeOK, Task: t}, nil
}

func (s *Server) getConfig(r *http.Request, _ *core.User) (interface{}, *api.Error) {
	c, err := s.store.GetConfig(r.Context())
	if err != nil {
		return nil, storeErr(err)
	}
	return &api.ConfigResponse{Code: api.CodeOK, Config: *c}, nil
}

func (s *Server) updateConfig(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	var cfg core.GlobalConfig
	if e := decode(r, &cfg); e != nil {
		return nil, e
	}
	cfg.UpdatedBy = caller.ID
	cfg.UpdatedAt = s.clock.Now()
	if err := s.store.PutConfig(r.Context(), &cfg); err != nil {
		return nil, storeErr(err)
	}
	return &api.StatusResponse{Code: api.CodeOK}, nil
}

// kernelAccess is the side service deciding whether a user may open a
// privileged shell on a node: privileged roles and above are allowed.
func (s *Server) kernelAccess(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleNode) {
		return nil, forbidden()
	}
	var req api.KernelAccessRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	target, err := s.store.GetUser(r.Context(), req.UserID)
	if err != nil {
		return nil, storeErr(err)
	}
	decision := api.KernelDeny
	if target.Role.AtLeast(core.RoleUserPriv) {
		decision = api.KernelAllow
	}
	return &api.KernelAccessResponse{Code: api.CodeOK, Decision: decision}, nil
}
