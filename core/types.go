package core

import (
	"fmt"
	"time"
)

// Role is the authorization level attached to a user record. Privileged
// variants sit between the base roles and ADMIN.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleNodePriv Role = "NODE_PRIV"
	RoleUserPriv Role = "USER_PRIV"
	RoleNode     Role = "NODE"
	RoleUser     Role = "USER"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleNode:     2,
	RoleUserPriv: 3,
	RoleNodePriv: 4,
	RoleAdmin:    5,
}

// Valid reports whether the role is one of the known variants.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether the role carries at least the privileges of min.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// JobKind distinguishes recurring cron jobs from one-shot atq jobs.
type JobKind string

const (
	JobCron JobKind = "CRON"
	JobAtq  JobKind = "ATQ"
)

// RunStatus is a node on the forward-only run lifecycle DAG.
type RunStatus string

const (
	RunScheduled RunStatus = "SCHEDULED"
	RunDeploying RunStatus = "DEPLOYING"
	RunRunning   RunStatus = "RUNNING"
	RunUploading RunStatus = "UPLOADING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunAborted   RunStatus = "ABORTED"
	RunSkipped   RunStatus = "SKIPPED"
)

var runEdges = map[RunStatus][]RunStatus{
	RunScheduled: {RunDeploying, RunSkipped, RunAborted, RunFailed},
	RunDeploying: {RunRunning, RunSkipped, RunAborted, RunFailed},
	RunRunning:   {RunUploading, RunAborted, RunFailed},
	RunUploading: {RunCompleted, RunAborted, RunFailed},
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	_, ok := runEdges[s]
	return !ok
}

// CanTransition reports whether next is reachable from s along the run
// lifecycle DAG. A same-status transition is allowed so that retried
// status updates stay idempotent.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return true
	}
	for _, e := range runEdges[s] {
		if e == next {
			return true
		}
	}
	return false
}

// TaskKind identifies the purpose of a rendezvous task.
type TaskKind string

const (
	TaskServerSetup TaskKind = "SERVER_SETUP"
)

// TaskStatus tracks a rendezvous task through its short life.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskRunning  TaskStatus = "RUNNING"
	TaskComplete TaskStatus = "COMPLETE"
	TaskFailed   TaskStatus = "FAILED"
	TaskExpired  TaskStatus = "EXPIRED"
)

// User is a principal known to the coordinator. The static token is only
// ever stored as a bcrypt hash; the plaintext is returned exactly once at
// registration time.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Team      string    `json:"team,omitempty"`
	TokenHash string    `json:"token_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Node is a measurement node. LastActive advances monotonically on
// heartbeat; ScavengerActive is the single per-node preemption bit.
type Node struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	Lat             float64   `json:"lat"`
	Lon             float64   `json:"lon"`
	Location        string    `json:"location,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	PublicIP        string    `json:"public_ip,omitempty"`
	LastActive      time.Time `json:"last_active"`
	ScavengerActive bool      `json:"scavenger_active"`
}

// Validity is the half-open admission window of a job.
type Validity struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether the occupancy [t, t+length) fits inside the window.
func (v Validity) Contains(t time.Time, length time.Duration) bool {
	return !t.Before(v.Start) && !t.Add(length).After(v.End)
}

// Intersect clips two validity windows. The second return is false when
// they do not meet.
func (v Validity) Intersect(o Validity) (Validity, bool) {
	out := v
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	if !out.Start.Before(out.End) {
		return Validity{}, false
	}
	return out, true
}

// JobParams carries the per-phase experiment images and the execution mode.
type JobParams struct {
	Mode    string `json:"mode,omitempty"`
	Deploy  string `json:"deploy,omitempty"`
	Execute string `json:"execute"`
	Finish  string `json:"finish,omitempty"`
}

// Job is an admitted experiment. For CRON jobs Schedule holds the cron
// expression and firings are enumerated inside Validity. For ATQ jobs the
// single firing is At and Validity.End is the deadline after which the job
// is permanently abandoned.
type Job struct {
	ID           string    `json:"id"`
	NodeID       string    `json:"node_id"`
	OwnerID      string    `json:"owner_id"`
	Kind         JobKind   `json:"kind"`
	Schedule     string    `json:"schedule,omitempty"`
	At           time.Time `json:"at,omitempty"`
	Validity     Validity  `json:"validity"`
	LengthSecs   int64     `json:"length_secs"`
	Overhead     bool      `json:"overhead"`
	ServerNodeID string    `json:"server_node_id,omitempty"`
	Trigger      string    `json:"trigger,omitempty"`
	Config       string    `json:"config,omitempty"`
	Params       JobParams `json:"params"`
	CreatedAt    time.Time `json:"created_at"`
}

// Length returns the occupancy length as a duration.
func (j *Job) Length() time.Duration {
	return time.Duration(j.LengthSecs) * time.Second
}

// Paired reports whether the job designates a server peer.
func (j *Job) Paired() bool {
	return j.ServerNodeID != ""
}

// TargetNodes returns the node ids whose occupancy the job consumes.
func (j *Job) TargetNodes() []string {
	if j.Paired() && j.ServerNodeID != j.NodeID {
		return []string{j.NodeID, j.ServerNodeID}
	}
	return []string{j.NodeID}
}

// Run is one execution of a job on a node.
type Run struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	NodeID        string     `json:"node_id"`
	OwnerID       string     `json:"owner_id"`
	Status        RunStatus  `json:"status"`
	StartTS       time.Time  `json:"start_ts"`
	EndTS         *time.Time `json:"end_ts,omitempty"`
	StatusMessage string     `json:"status_message,omitempty"`
	ArtifactURL   string     `json:"artifact_url,omitempty"`
	Version       int64      `json:"version"`
}

// Task is a short-lived client/server rendezvous record. It is considered
// dead once CreatedTS + TTL has passed; the coordinator applies this on
// read, no sweeper involved.
type Task struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	JobID     string     `json:"job_id"`
	NodeID    string     `json:"node_id"`
	Kind      TaskKind   `json:"kind"`
	Status    TaskStatus `json:"status"`
	TTLSecs   int64      `json:"ttl_secs"`
	CreatedTS time.Time  `json:"created_ts"`
}

// Expired reports whether the task is dead at the given instant.
func (t *Task) Expired(now time.Time) bool {
	return now.After(t.CreatedTS.Add(time.Duration(t.TTLSecs) * time.Second))
}

// GlobalConfig is the single opaque configuration document. Agents decode
// the fields they understand and ignore the rest.
type GlobalConfig struct {
	Doc       map[string]interface{} `json:"doc"`
	UpdatedBy string                 `json:"updated_by,omitempty"`
	UpdatedAt time.Time              `json:"updated_at,omitempty"`
}

// Validate performs the structural checks that do not need store access.
// Cron and trigger syntax are checked by the coordinator with the schedule
// and trigger packages.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidJob)
	}
	if j.NodeID == "" {
		return fmt.Errorf("%w: missing node id", ErrInvalidJob)
	}
	if j.LengthSecs < 1 {
		return fmt.Errorf("%w: length_secs must be >= 1", ErrInvalidJob)
	}
	if !j.Validity.Start.Before(j.Validity.End) {
		return fmt.Errorf("%w: empty validity window", ErrInvalidJob)
	}
	switch j.Kind {
	case JobCron:
		if j.Schedule == "" {
			return fmt.Errorf("%w: cron job without schedule", ErrInvalidJob)
		}
	case JobAtq:
		if j.At.IsZero() {
			return fmt.Errorf("%w: atq job without start instant", ErrInvalidJob)
		}
		if j.At.Before(j.Validity.Start) || j.At.Add(j.Length()).After(j.Validity.End) {
			return fmt.Errorf("%w: atq occupancy outside validity", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if j.Params.Execute == "" {
		return fmt.Errorf("%w: params.execute image required", ErrInvalidJob)
	}
	return nil
}
