package coordinator

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
)

func storeErr(err error) *api.Error {
	switch {
	case errors.Is(err, core.ErrUserNotFound),
		errors.Is(err, core.ErrNodeNotFound),
		errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrRunNotFound),
		errors.Is(err, core.ErrTaskNotFound):
		return &api.Error{Code: api.CodeNotFound, Message: err.Error()}
	case errors.Is(err, core.ErrAlreadyExists):
		return &api.Error{Code: api.CodeInvalid, Message: err.Error()}
	default:
		return &api.Error{Code: api.CodeUnavailable, Message: err.Error()}
	}
}

func forbidden() *api.Error {
	return &api.Error{Code: api.CodeForbidden, Message: "insufficient role"}
}

func (s *Server) registerUser(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	var req api.RegisterUserRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	u := req.User
	if u.ID == "" || !u.Role.Valid() {
		return nil, &api.Error{Code: api.CodeInvalid, Message: "user id and valid role required"}
	}

	token, hash, err := NewToken()
	if err != nil {
		return nil, &api.Error{Code: api.CodeUnavailable, Message: err.Error()}
	}
	u.TokenHash = hash
	u.CreatedAt = s.clock.Now()
	if err := s.store.CreateUser(r.Context(), &u); err != nil {
		return nil, storeErr(err)
	}

	u.TokenHash = ""
	return &api.RegisterUserResponse{Code: api.CodeOK, User: u, Token: token}, nil
}

func (s *Server) modifyUser(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	var req api.ModifyUserRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	id := mux.Vars(r)["id"]
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		return nil, storeErr(err)
	}
	if req.Name != "" {
		u.Name = req.Name
	}
	if req.Role != "" {
		if !req.Role.Valid() {
			return nil, &api.Error{Code: api.CodeInvalid, Message: "unknown role"}
		}
		u.Role = req.Role
	}
	if req.Team != "" {
		u.Team = req.Team
	}
	if err := s.store.UpdateUser(r.Context(), u); err != nil {
		return nil, storeErr(err)
	}
	return &api.StatusResponse{Code: api.CodeOK}, nil
}

func (s *Server) deleteUser(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	if err := s.store.DeleteUser(r.Context(), mux.Vars(r)["id"]); err != nil {
		return nil, storeErr(err)
	}
	return &api.StatusResponse{Code: api.CodeOK}, nil
}

// login trades the caller's static token for a short-lived signed token.
func (s *Server) login(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	var req api.TokenRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	signed, expires, err := s.auth.Issue(caller.ID, time.Duration(req.TTLSecs)*time.Second)
	if err != nil {
		return nil, &api.Error{Code: api.CodeUnavailable, Message: err.Error()}
	}
	return &api.TokenResponse{Code: api.CodeOK, JWT: signed, ExpiresAt: expires}, nil
}

// registerNode creates both the node record and its agent credentials:
// a users entry with the node's id and role NODE.
func (s *Server) registerNode(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	var req api.RegisterNodeRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	n := req.Node
	if n.ID == "" {
		return nil, &api.Error{Code: api.CodeInvalid, Message: "node id required"}
	}

	token, hash, err := NewToken()
	if err != nil {
		return nil, &api.Error{Code: api.CodeUnavailable, Message: err.Error()}
	}
	nodeUser := &core.User{
		ID:        n.ID,
		Name:      n.DisplayName,
		Role:      core.RoleNode,
		TokenHash: hash,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateUser(r.Context(), nodeUser); err != nil {
		return nil, storeErr(err)
	}
	n.LastActive = s.clock.Now()
	if err := s.store.CreateNode(r.Context(), &n); err != nil {
		return nil, storeErr(err)
	}
	return &api.RegisterNodeResponse{Code: api.CodeOK, Node: n, UserID: nodeUser.ID, Token: token}, nil
}

func (s *Server) updateNode(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	var req api.UpdateNodeRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	n, err := s.store.GetNode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, storeErr(err)
	}
	if req.DisplayName != "" {
		n.DisplayName = req.DisplayName
	}
	if req.Lat != 0 {
		n.Lat = req.Lat
	}
	if req.Lon != 0 {
		n.Lon = req.Lon
	}
	if req.Location != "" {
		n.Location = req.Location
	}
	if req.Provider != "" {
		n.Provider = req.Provider
	}
	if req.PublicIP != "" {
		n.PublicIP = req.PublicIP
	}
	if err := s.store.UpdateNode(r.Context(), n); err != nil {
		return nil, storeErr(err)
	}
	return &api.StatusResponse{Code: api.CodeOK}, nil
}

func (s *Server) deleteNode(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteNode(r.Context(), id); err != nil {
		return nil, storeErr(err)
	}
	// Drop the node's agent credentials alongside the record.
	if err := s.store.DeleteUser(r.Context(), id); err != nil && !errors.Is(err, core.ErrUserNotFound) {
		return nil, storeErr(err)
	}
	return &api.StatusResponse{Code: api.CodeOK}, nil
}

func (s *Server) getNodes(r *http.Request, _ *core.User) (interface{}, *api.Error) {
	q := r.URL.Query()
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		return nil, storeErr(err)
	}

	thres := int64(60)
	if v := q.Get("active_thres_s"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			thres = n
		}
	}
	activeOnly := q.Get("active") == "true"
	cutoff := s.clock.Now().Add(-time.Duration(thres) * time.Second)

	out := make([]core.Node, 0, len(nodes))
	for _, n := range nodes {
		if id := q.Get("node_id"); id != "" && n.ID != id {
			continue
		}
		if loc := q.Get("location"); loc != "" && n.Location != loc {
			continue
		}
		if activeOnly && n.LastActive.Before(cutoff) {
			continue
		}
		out = append(out, *n)
	}
	return &api.NodesResponse{Code: api.CodeOK, Nodes: out}, nil
}

// heartbeat advances the node's liveness timestamp. Only the node itself
// (or an admin) may report.
func (s *Server) heartbeat(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	id := mux.Vars(r)["id"]
	if caller.ID != id && !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	n, err := s.store.GetNode(r.Context(), id)
	if err != nil {
		return nil, storeErr(err)
	}
	now := s.clock.Now()
	if now.After(n.LastActive) {
		n.LastActive = now
		if err := s.store.UpdateNode(r.Context(), n); err != nil {
			return nil, storeErr(err)
		}
	}
	return &api.HeartbeatResponse{Code: api.CodeOK, Received: true}, nil
}

func (s *Server) setScavenger(r *http.Request, caller *core.User) (interface{}, *api.Error) {
	if !caller.Role.AtLeast(core.RoleAdmin) {
		return nil, forbidden()
	}
	var req api.ScavengerRequest
	if e := decode(r, &req); e != nil {
		return nil, e
	}
	n, err := s.store.GetNode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, storeErr(err)
	}
	n.ScavengerActive = req.Active
	if err := s.store.UpdateNode(r.Context(), n); err != nil {
		return nil, storeErr(err)
	}
	return &api.ScavengerResponse{Code: api.CodeOK, Active: n.ScavengerActive}, nil
}

func (s *Server) getScavenger(r *http.Request, _ *core.User) (interface{}, *api.Error) {
	n, err := s.store.GetNode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, storeErr(err)
	}
	return &api.ScavengerResponse{Code: api.CodeOK, Active: n.ScavengerActive}, nil
}
