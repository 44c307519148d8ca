// Package coordinator is the cloud-side service: it owns admission,
// the run/task ledgers and the authorization gate. All state lives in
// the metadata store; the service itself keeps nothing between calls.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/blob"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/metrics"
	"github.com/leoscope/leotest/store"
)

const (
	defaultMaxConcurrent = 10
	defaultRatePerSec    = 50
	defaultRateBurst     = 100
)

type Config struct {
	Addr          string
	JWTSecret     string
	MaxConcurrent int
	RatePerSec    float64
	RateBurst     int
}

type Server struct {
	store   store.Store
	blobs   blob.Store
	auth    *Authenticator
	logger  core.Logger
	clock   core.Clock
	rec     *metrics.Recorder
	sem     chan struct{}
	srv     *http.Server
	limMu   sync.Mutex
	limits  map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

func NewServer(cfg Config, st store.Store, blobs blob.Store, rec *metrics.Recorder, logger core.Logger, clock core.Clock) *Server {
	if logger == nil {
		logger = &core.SimpleLogger{}
	}
	if clock == nil {
		clock = core.NewRealClock()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}

	s := &Server{
		store:  st,
		blobs:  blobs,
		auth:   NewAuthenticator(st, []byte(cfg.JWTSecret), clock),
		logger: logger,
		clock:  clock,
		rec:    rec,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		limits: make(map[string]*rate.Limiter),
		perSec: rate.Limit(cfg.RatePerSec),
		burst:  cfg.RateBurst,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if rec != nil {
		r.Handle("/metrics", rec.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimit, s.concurrency)

	v1.HandleFunc("/users", s.handle("register_user", s.registerUser)).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}", s.handle("modify_user", s.modifyUser)).Methods(http.MethodPatch)
	v1.HandleFunc("/users/{id}", s.handle("delete_user", s.deleteUser)).Methods(http.MethodDelete)
	v1.HandleFunc("/auth/token", s.handle("login", s.login)).Methods(http.MethodPost)

	v1.HandleFunc("/nodes", s.handle("register_node", s.registerNode)).Methods(http.MethodPost)
	v1.HandleFunc("/nodes", s.handle("get_nodes", s.getNodes)).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}", s.handle("update_node", s.updateNode)).Methods(http.MethodPatch)
	v1.HandleFunc("/nodes/{id}", s.handle("delete_node", s.deleteNode)).Methods(http.MethodDelete)
	v1.HandleFunc("/nodes/{id}/heartbeat", s.handle("report_heartbeat", s.heartbeat)).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{id}/scavenger", s.handle("set_scavenger", s.setScavenger)).Methods(http.MethodPut)
	v1.HandleFunc("/nodes/{id}/scavenger", s.handle("get_scavenger", s.getScavenger)).Methods(http.MethodGet)

	v1.HandleFunc("/jobs", s.handle("schedule_job", s.scheduleJob)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handle("get_jobs", s.getJobs)).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handle("get_job_by_id", s.getJob)).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handle("delete_job_by_id", s.deleteJob)).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}/reschedule", s.handle("reschedule_job_nearest", s.rescheduleJob)).Methods(http.MethodPost)

	v1.HandleFunc("/runs", s.handle("create_run", s.createRun)).Methods(http.MethodPost)
	v1.HandleFunc("/runs", s.handle("get_runs", s.getRuns)).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.handle("update_run", s.updateRun)).Methods(http.MethodPut)

	v1.HandleFunc("/tasks", s.handle("schedule_task", s.scheduleTask)).Methods(http.MethodPost)
	v1.HandleFunc("/tasks", s.handle("get_tasks", s.getTasks)).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}", s.handle("update_task", s.updateTask)).Methods(http.MethodPut)

	v1.HandleFunc("/config", s.handle("get_config", s.getConfig)).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.handle("update_global_config", s.updateConfig)).Methods(http.MethodPut)

	v1.HandleFunc("/kernel-access", s.handle("kernel_access", s.kernelAccess)).Methods(http.MethodPost)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Start() error {
	s.logger.Noticef("coordinator listening on %s", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("coordinator server: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown coordinator: %w", err)
	}
	return nil
}

// handlerFunc is one authenticated operation. It returns the response
// payload (already carrying its code) or an api.Error.
type handlerFunc func(r *http.Request, caller *core.User) (interface{}, *api.Error)

// handle wraps an operation with auth, panic recovery and latency
// recording. Credentials are resolved exactly once on entry.
func (s *Server) handle(op string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := s.clock.Now()
		code := api.CodeOK

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Errorf("panic in %s: %v", op, rec)
				code = api.CodeUnavailable
				s.writeErr(w, &api.Error{Code: code, Message: "internal error"})
			}
			if s.rec != nil {
				s.rec.RPC(op, string(code), s.clock.Now().Sub(started))
			}
		}()

		caller, authErr := s.auth.Authenticate(r)
		if authErr != nil {
			code = authErr.Code
			s.writeErr(w, authErr)
			return
		}

		out, opErr := fn(r, caller)
		if opErr != nil {
			code = opErr.Code
			s.writeErr(w, opErr)
			return
		}
		s.writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("encode response: %v", err)
	}
}

func (s *Server) writeErr(w http.ResponseWriter, e *api.Error) {
	s.writeJSON(w, e.Code.HTTPStatus(), e)
}

// concurrency bounds in-flight operations with a semaphore.
func (s *Server) concurrency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			s.writeErr(w, &api.Error{Code: api.CodeUnavailable, Message: "server busy"})
		}
	})
}

// rateLimit applies a per-client-IP token bucket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter(host).Allow() {
			s.writeErr(w, &api.Error{Code: api.CodeUnavailable, Message: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(host string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limits[host]
	if !ok {
		l = rate.NewLimiter(s.perSec, s.burst)
		s.limits[host] = l
	}
	return l
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(r *http.Request, v interface{}) *api.Error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return &api.Error{Code: api.CodeInvalid, Message: "malformed request body"}
	}
	return nil
}
