// Package agent is the node-side daemon: it mirrors the node's admitted
// job list into a local dispatcher, executes firings through the
// executor, answers rendezvous tasks, runs the scavenger step and
// reports heartbeats. The agent holds no authoritative state; every
// tick re-derives from the coordinator.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	cron "github.com/netresearch/go-cron"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/executor"
)

const defaultTickInterval = 10 * time.Second

// Coordinator is the slice of the coordinator client the agent needs on
// top of what the executor already uses.
type Coordinator interface {
	JobsByNode(ctx context.Context, nodeID string) ([]core.Job, error)
	Heartbeat(ctx context.Context, nodeID string) (bool, error)
	GetScavenger(ctx context.Context, nodeID string) (bool, error)
	RescheduleJobNearest(ctx context.Context, jobID string, after time.Time) (*api.RescheduleResponse, error)
	GetTasks(ctx context.Context, f api.TasksFilter) ([]core.Task, error)
	GetRuns(ctx context.Context, f api.RunsFilter) ([]core.Run, error)
	GetConfig(ctx context.Context) (*core.GlobalConfig, error)
}

type Config struct {
	NodeID       string
	TickInterval time.Duration

	// ConfigFallback, when set, supplies the global configuration
	// document if the coordinator cannot be reached at startup.
	ConfigFallback func(ctx context.Context) (map[string]interface{}, error)
}

type Agent struct {
	cfg    Config
	coord  Coordinator
	exec   *executor.Executor
	cron   *cron.Cron
	logger core.Logger
	clock  core.Clock

	mu        sync.Mutex
	jobs      map[string]*core.Job // latest pull, by id
	cronHash  map[string]string    // job id -> registered schedule hash
	atqTimers map[string]*time.Timer
	atqAt     map[string]time.Time // job id -> armed or dispatched instant
	abandoned map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, coord Coordinator, exec *executor.Executor, logger core.Logger, clock core.Clock) *Agent {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if logger == nil {
		logger = &core.SimpleLogger{}
	}
	if clock == nil {
		clock = core.NewRealClock()
	}
	a := &Agent{
		cfg:       cfg,
		coord:     coord,
		exec:      exec,
		logger:    logger,
		clock:     clock,
		jobs:      make(map[string]*core.Job),
		cronHash:  make(map[string]string),
		atqTimers: make(map[string]*time.Timer),
		atqAt:     make(map[string]time.Time),
		abandoned: make(map[string]bool),
		stop:      make(chan struct{}),
	}
	a.cron = cron.New(
		cron.WithParser(cron.FullParser()),
		cron.WithChain(cron.Recover(cronLogger{logger})),
	)
	return a
}

// agentSettings is the slice of the global configuration document this
// agent understands. Unknown fields are ignored.
type agentSettings struct {
	TickIntervalSecs int64 `mapstructure:"tick_interval_secs"`
}

func (a *Agent) applyGlobalSettings(doc map[string]interface{}) {
	var s agentSettings
	if err := mapstructure.WeakDecode(doc, &s); err != nil {
		a.logger.Warningf("decode global config: %v", err)
		return
	}
	if s.TickIntervalSecs > 0 {
		a.cfg.TickInterval = time.Duration(s.TickIntervalSecs) * time.Second
	}
}

// Start applies the global configuration, pulls the job list once for
// orphan recovery, then runs the tick loop until Shutdown.
func (a *Agent) Start(ctx context.Context) error {
	if cfg, err := a.coord.GetConfig(ctx); err == nil && cfg != nil {
		a.applyGlobalSettings(cfg.Doc)
	} else if a.cfg.ConfigFallback != nil {
		if doc, ferr := a.cfg.ConfigFallback(ctx); ferr != nil {
			a.logger.Warningf("global config fallback: %v", ferr)
		} else {
			a.applyGlobalSettings(doc)
		}
	} else if err != nil {
		a.logger.Warningf("global config: %v", err)
	}

	if jobs, err := a.coord.JobsByNode(ctx, a.cfg.NodeID); err == nil {
		byID := make(map[string]*core.Job, len(jobs))
		for i := range jobs {
			byID[jobs[i].ID] = &jobs[i]
		}
		if err := a.exec.Recover(ctx, byID); err != nil {
			a.logger.Warningf("orphan recovery: %v", err)
		}
	} else {
		a.logger.Warningf("initial job pull: %v", err)
	}

	a.cron.Start()
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Noticef("agent for node %s started (tick %s)", a.cfg.NodeID, a.cfg.TickInterval)
	return nil
}

// Shutdown stops the tick loop and the dispatcher and waits for
// in-flight work.
func (a *Agent) Shutdown() {
	close(a.stop)
	a.cron.Stop()
	a.mu.Lock()
	for _, t := range a.atqTimers {
		t.Stop()
	}
	a.mu.Unlock()
	a.wg.Wait()
	a.exec.Wait()
}

func (a *Agent) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	a.Tick(ctx)
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick is one scheduler iteration. A panic inside one tick is contained
// so the loop survives.
func (a *Agent) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("panic in agent tick: %v", r)
		}
	}()

	jobs, err := a.coord.JobsByNode(ctx, a.cfg.NodeID)
	if err != nil {
		a.logger.Warningf("job pull: %v", err)
		return
	}
	a.reconcile(ctx, jobs)
	a.pollTasks(ctx)
	a.scavengerStep(ctx)

	if _, err := a.coord.Heartbeat(ctx, a.cfg.NodeID); err != nil {
		a.logger.Warningf("heartbeat: %v", err)
	}
}

// reconcile mirrors the pulled job list into the cron dispatcher and the
// ATQ timers, then prunes entries whose jobs disappeared.
func (a *Agent) reconcile(ctx context.Context, jobs []core.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]bool, len(jobs))
	for i := range jobs {
		job := jobs[i]
		seen[job.ID] = true
		a.jobs[job.ID] = &job

		// Jobs where this node is only the server peer are driven by
		// rendezvous tasks, not by the local dispatcher.
		if job.NodeID != a.cfg.NodeID {
			continue
		}
		switch job.Kind {
		case core.JobCron:
			a.reconcileCron(&job)
		case core.JobAtq:
			a.reconcileAtq(ctx, &job)
		}
	}

	for id := range a.jobs {
		if seen[id] {
			continue
		}
		delete(a.jobs, id)
		delete(a.abandoned, id)
		if _, ok := a.cronHash[id]; ok {
			a.cron.RemoveByName(id)
			delete(a.cronHash, id)
		}
		if t, ok := a.atqTimers[id]; ok {
			t.Stop()
			delete(a.atqTimers, id)
		}
		delete(a.atqAt, id)
	}
}

func scheduleHash(j *core.Job) string {
	payload, _ := json.Marshal(struct {
		Schedule string
		Validity core.Validity
		Length   int64
		Trigger  string
		Params   core.JobParams
	}{j.Schedule, j.Validity, j.LengthSecs, j.Trigger, j.Params})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func (a *Agent) reconcileCron(job *core.Job) {
	hash := scheduleHash(job)
	if a.cronHash[job.ID] == hash {
		return
	}
	if _, ok := a.cronHash[job.ID]; ok {
		a.cron.RemoveByName(job.ID)
	}
	j := *job
	_, err := a.cron.AddJob(job.Schedule, cronDispatch{a, &j}, cron.WithName(job.ID))
	if err != nil {
		a.logger.Errorf("register cron job %q: %v", job.ID, err)
		return
	}
	a.cronHash[job.ID] = hash
	a.logger.Noticef("cron job registered %q - %q", job.ID, job.Schedule)
}

// cronDispatch adapts a job to the dispatcher's callback.
type cronDispatch struct {
	agent *Agent
	job   *core.Job
}

func (d cronDispatch) Run() { d.agent.fireCron(d.job) }

// fireCron dispatches one cron firing if its occupancy fits the validity
// window.
func (a *Agent) fireCron(job *core.Job) {
	now := a.clock.Now().Truncate(time.Second)
	if now.Before(job.Validity.Start) || now.Add(job.Length()).After(job.Validity.End) {
		a.logger.Debugf("cron job %q fired outside validity, ignored", job.ID)
		return
	}
	a.execute(job, uuid.NewString(), now)
}

func (a *Agent) reconcileAtq(ctx context.Context, job *core.Job) {
	if a.abandoned[job.ID] {
		return
	}
	if armed, ok := a.atqAt[job.ID]; ok && armed.Equal(job.At) {
		return
	}
	// The firing moved (admission or reschedule); drop the stale timer.
	if t, ok := a.atqTimers[job.ID]; ok {
		t.Stop()
		delete(a.atqTimers, job.ID)
	}

	now := a.clock.Now()
	if job.At.After(now) {
		j := *job
		a.atqAt[job.ID] = job.At
		a.atqTimers[job.ID] = time.AfterFunc(job.At.Sub(now), func() {
			a.dispatchAtq(&j)
		})
		a.logger.Debugf("atq job %q armed for %s", job.ID, job.At)
		return
	}

	// The start instant passed while this node was not watching. If a
	// run exists the firing is already accounted for; otherwise try to
	// move the job, or abandon it past the deadline.
	if a.hasRun(ctx, job.ID) {
		a.atqAt[job.ID] = job.At
		return
	}
	if job.At.Add(job.Length()).After(job.Validity.End) {
		a.abandoned[job.ID] = true
		a.logger.Warningf("atq job %q missed its window, abandoned", job.ID)
		return
	}
	resp, err := a.coord.RescheduleJobNearest(ctx, job.ID, now)
	if err != nil {
		if api.CodeOf(err) == api.CodeNoSlot {
			a.abandoned[job.ID] = true
			a.logger.Warningf("atq job %q has no free slot left, abandoned", job.ID)
		} else {
			a.logger.Warningf("reschedule job %q: %v", job.ID, err)
		}
		return
	}
	a.logger.Noticef("atq job %q moved to %s", job.ID, resp.NewStart)
	// The moved instant arrives with the next pull; nothing armed now.
}

func (a *Agent) dispatchAtq(job *core.Job) {
	if a.hasRun(context.Background(), job.ID) {
		return
	}
	a.execute(job, uuid.NewString(), job.At)
}

func (a *Agent) hasRun(ctx context.Context, jobID string) bool {
	runs, err := a.coord.GetRuns(ctx, api.RunsFilter{JobID: jobID, NodeID: a.cfg.NodeID})
	if err != nil {
		a.logger.Warningf("list runs of %q: %v", jobID, err)
		return false
	}
	return len(runs) > 0
}

func (a *Agent) execute(job *core.Job, runID string, start time.Time) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.exec.Execute(context.Background(), job, runID, start); err != nil {
			a.logger.Errorf("run %s of job %q: %v", runID, job.ID, err)
		}
	}()
}

// pollTasks answers pending rendezvous tasks addressed to this node.
func (a *Agent) pollTasks(ctx context.Context) {
	tasks, err := a.coord.GetTasks(ctx, api.TasksFilter{NodeID: a.cfg.NodeID})
	if err != nil {
		a.logger.Warningf("task poll: %v", err)
		return
	}
	for i := range tasks {
		t := tasks[i]
		if t.Status != core.TaskPending || t.Kind != core.TaskServerSetup {
			continue
		}
		a.mu.Lock()
		job := a.jobs[t.JobID]
		a.mu.Unlock()
		if job == nil {
			a.logger.Warningf("task %q references unknown job %q", t.ID, t.JobID)
			continue
		}
		if err := a.exec.RunServerSetup(ctx, job, &t); err != nil {
			a.logger.Errorf("server setup for task %q: %v", t.ID, err)
		}
	}
}

// scavengerStep preempts overhead containers when the node's scavenger
// bit is set, and tries to move the affected one-shot jobs.
func (a *Agent) scavengerStep(ctx context.Context) {
	active, err := a.coord.GetScavenger(ctx, a.cfg.NodeID)
	if err != nil {
		a.logger.Warningf("scavenger state: %v", err)
		return
	}
	if !active {
		return
	}
	preempted, err := a.exec.PreemptOverhead(ctx)
	if err != nil {
		a.logger.Errorf("scavenger: %v", err)
		return
	}
	now := a.clock.Now()
	for _, p := range preempted {
		a.mu.Lock()
		job := a.jobs[p.JobID]
		a.mu.Unlock()
		if job == nil || job.Kind != core.JobAtq {
			continue
		}
		if now.Add(job.Length()).After(job.Validity.End) {
			a.logger.Warningf("preempted job %q cannot fit before its deadline", job.ID)
			continue
		}
		resp, err := a.coord.RescheduleJobNearest(ctx, job.ID, now)
		if err != nil {
			a.logger.Warningf("reschedule preempted job %q: %v", job.ID, err)
			continue
		}
		a.mu.Lock()
		delete(a.atqAt, job.ID) // re-arm on next pull
		a.mu.Unlock()
		a.logger.Noticef("preempted job %q moved to %s", job.ID, resp.NewStart)
	}
}

// cronLogger adapts the daemon logger to the dispatcher's interface.
type cronLogger struct {
	l core.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debugf("cron: %s %v", msg, kv)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Errorf("cron: %s: %v %v", msg, err, kv)
}
