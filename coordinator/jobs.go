package coordinator

import (
	"net/http"
	"reflect"
	"time"

	"github.com/gorilla/mux"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/trigger"
)

// scheduleJob runs the admission algorithm as a critical section keyed by
// the candidate's target node set. Resubmitting an identical payload is a
// no-op; the same id with a different payload is rejected.
func (s *Server) scheduleJob(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	var req api.ScheduleJobRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	j := req.Job
	j.OwnerID = caller.ID

	if err := j.Validate(); err != nil {
		return nil, &api.Error{Code: api.CodeInvalid, Message: err.Error()}
	}
	if j.Kind == core.JobCron {
		if _, err := core.ParseCron(j.Schedule); err != nil {
			return nil, &api.Error{Code: api.CodeInvalid, Message: err.Error()}
		}
	}
	if j.Kind == core.JobAtq && j.At.Before(s.clock.Now()) {
		return nil, &api.Error{Code: api.CodeInvalid, Message: "atq start instant is in the past"}
	}
	if j.Trigger != "" {
		if err := trigger.Verify(j.Trigger); err != nil {
			return nil, &api.Error{Code: api.CodeInvalid, Message: err.Error()}
		}
	}
	for _, nodeID := range j.TargetNodes() {
		if _, err := s.store.GetNode(r.Context(), nodeID); err != nil {
			return nil, storeErr(err)
		}
	}

	var out interface{}
	var apiErr *api.Error
	err := s.store.WithNodeAdmission(r.Context(), j.TargetNodes(), func() error {
		out, apiErr = s.admit(r, &j)
		return nil
	})
	if err != nil {
		return nil, &api.Error{Code: api.CodeUnavailable, Message: err.Error()}
	}
	return out, apiErr
}

// admit runs inside the per-node admission locks.
func (s *Server) admit(r *http.Request, j *core.Job) (interface{}, *api.Error) {
	if existing, err := s.store.GetJob(r.Context(), j.ID); err == nil {
		if samePayload(existing, j) {
			s.logger.Debugf("schedule_job %q: identical resubmission", j.ID)
			if s.rec != nil {
				s.rec.Admission("idempotent")
			}
			return &api.JobResponse{Code: api.CodeOK, Job: *existing}, nil
		}
		return nil, &api.Error{Code: api.CodeInvalid, Message: "job id already admitted with a different payload"}
	}

	existing, apiErr := s.occupants(r, j)
	if apiErr != nil {
		return nil, apiErr
	}
	if err := core.CheckAdmission(j, existing); err != nil {
		if conflict, ok := core.IsConflict(err); ok {
			if s.rec != nil {
				s.rec.Admission("conflict")
			}
			return nil, &api.Error{
				Code: api.CodeConflict,
				Conflict: &api.ConflictInfo{
					JobID:   conflict.JobID,
					Instant: conflict.Instant.UTC().Format(time.RFC3339),
				},
			}
		}
		return nil, &api.Error{Code: api.CodeInvalid, Message: err.Error()}
	}

	j.CreatedAt = s.clock.Now()
	if err := s.store.CreateJob(r.Context(), j); err != nil {
		return nil, storeErr(err)
	}
	if s.rec != nil {
		s.rec.Admission("admitted")
	}
	s.logger.Noticef("admitted job %q on nodes %v", j.ID, j.TargetNodes())
	return &api.JobResponse{Code: api.CodeOK, Job: *j}, nil
}

// occupants collects the admitted jobs sharing any of j's target nodes.
func (s *Server) occupants(r *http.Request, j *core.Job) ([]*core.Job, *api.Error) {
	seen := make(map[string]bool)
	var out []*core.Job
	for _, nodeID := range j.TargetNodes() {
		jobs, err := s.store.JobsByNode(r.Context(), nodeID)
		if err != nil {
			return nil, storeErr(err)
		}
		for _, e := range jobs {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// samePayload compares jobs ignoring server-assigned fields.
func samePayload(a, b *core.Job) bool {
	ca, cb := *a, *b
	ca.CreatedAt, cb.CreatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(ca, cb)
}

// rescheduleJob moves an ATQ job's firing to the earliest conflict-free
// instant at or after the requested time, inside the original validity.
func (s *Server) rescheduleJob(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	var req api.RescheduleRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	id := mux.Vars(r)["id"]
	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		return nil, storeErr(err)
	}
	if j.OwnerID != caller.ID && caller.ID != j.NodeID && !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	if j.Kind != core.JobAtq {
		return nil, &api.Error{Code: api.CodeUnsupported, Message: "only atq jobs can be rescheduled"}
	}

	var out interface{}
	var apiErr *api.Error
	lockErr := s.store.WithNodeAdmission(r.Context(), j.TargetNodes(), func() error {
		existing, e := s.occupants(r, j)
		if e != nil {
			apiErr = e
			return nil
		}
		slot, err := core.NearestFreeSlot(j, req.After, existing)
		if err == core.ErrNoSlot {
			apiErr = &api.Error{Code: api.CodeNoSlot, Message: "no free slot inside validity window"}
			return nil
		}
		if err == core.ErrUnsupported {
			apiErr = &api.Error{Code: api.CodeUnsupported, Message: err.Error()}
			return nil
		}
		if err != nil {
			apiErr = &api.Error{Code: api.CodeInvalid, Message: err.Error()}
			return nil
		}
		j.At = slot
		if err := s.store.UpdateJob(r.Context(), j); err != nil {
			apiErr = storeErr(err)
			return nil
		}
		out = &api.RescheduleResponse{Code: api.CodeOK, NewStart: slot}
		return nil
	})
	if lockErr != nil {
		return nil, &api.Error{Code: api.CodeUnavailable, Message: lockErr.Error()}
	}
	return out, apiErr
}

func (s *Server) getJob(r *http.Request, _ *core.User) (interface{}, *api.Error) {
	j, err := s.store.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, storeErr(err)
	}
	return &api.JobResponse{Code: api.CodeOK, Job: *j}, nil
}

// getJobs serves both the node-agent job pull (node_id, matching either
// side of a paired job) and the per-user listing (user_id).
func (s *Server) getJobs(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	q := r.URL.Query()
	var jobs []*core.Job
	var err error
	switch {
	case q.Get("node_id") != "":
		jobs, err = s.store.JobsByNode(r.Context(), q.Get("node_id"))
	case q.Get("user_id") != "":
		jobs, err = s.store.JobsByOwner(r.Context(), q.Get("user_id"))
	default:
		jobs, err = s.store.JobsByOwner(r.Context(), caller.ID)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]core.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, *j)
	}
	return &api.JobsResponse{Code: api.CodeOK, Jobs: out}, nil
}

func (s *Server) deleteJob(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	id := mux.Vars(r)["id"]
	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		return nil, storeErr(err)
	}
	if j.OwnerID != caller.ID && !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		return nil, storeErr(err)
	}
	return &api.StatusResponse{Code: api.CodeOK}, nil
}
