package api

import (
	"time"

	"github.com/leoscope/leotest/core"
)

// Metadata header names carried on every call.
const (
	HeaderUserID      = "x-userid"
	HeaderAccessToken = "x-access-token"
	HeaderJWT         = "x-jwt"
)

// StatusResponse is the generic OK envelope for mutators without a
// richer payload.
type StatusResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type RegisterUserRequest struct {
	User core.User `json:"user"`
}

// RegisterUserResponse carries the plaintext token exactly once; only
// its bcrypt hash is ever persisted.
type RegisterUserResponse struct {
	Code  Code      `json:"code"`
	User  core.User `json:"user"`
	Token string    `json:"token"`
}

type ModifyUserRequest struct {
	Name string    `json:"name,omitempty"`
	Role core.Role `json:"role,omitempty"`
	Team string    `json:"team,omitempty"`
}

type TokenRequest struct {
	TTLSecs int64 `json:"ttl_secs,omitempty"`
}

// TokenResponse is the signed-token login result.
type TokenResponse struct {
	Code      Code      `json:"code"`
	JWT       string    `json:"jwt"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RegisterNodeRequest struct {
	Node core.Node `json:"node"`
}

/// RegisterNodeResponse returns the node's agent credentials: a users
// entry with role NODE is created alongside the node record.
type RegisterNodeResponse struct {
	Code   Code      `json:"code"`
	Node   core.Node `json:"node"`
	UserID string    `json:"user_id"`
	Token  string    `json:"token"`
}

type UpdateNodeRequest struct {
	DisplayName string  `json:"display_name,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
	Location    string  `json:"location,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	PublicIP    string  `json:"public_ip,omitempty"`
}

// NodesFilter narrows get_nodes. Active selects nodes whose last
// heartbeat is within ActiveThresSecs (default 60) of now.
type NodesFilter struct {
	NodeID          string `json:"node_id,omitempty"`
	Location        string `json:"location,omitempty"`
	Active          bool   `json:"active,omitempty"`
	ActiveThresSecs int64  `json:"active_thres_s,omitempty"`
}

type NodesResponse struct {
	Code  Code        `json:"code"`
	Nodes []core.Node `json:"nodes"`
}

type HeartbeatResponse struct {
	Code     Code `json:"code"`
	Received bool `json:"received"`
}

type ScheduleJobRequest struct {
	Job core.Job `json:"job"`
}

type JobResponse struct {
	Code Code     `json:"code"`
	Job  core.Job `json:"job"`
}

type JobsResponse struct {
	Code Code       `json:"code"`
	Jobs []core.Job `json:"jobs"`
}

type RescheduleRequest struct {
	After time.Time `json:"after"`
}

type RescheduleResponse struct {
	Code     Code      `json:"code"`
	NewStart time.Time `json:"new_start"`
}

// UpdateRunRequest is the run record diff a node reports. Version is the
// version the node last read; the coordinator applies the write only if
// it still matches.
type UpdateRunRequest struct {
	Run core.Run `json:"run"`
}

type RunResponse struct {
	Code Code     `json:"code"`
	Run  core.Run `json:"run"`
}

type RunsFilter struct {
	JobID   string         `json:"job_id,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	OwnerID string         `json:"owner_id,omitempty"`
	Status  core.RunStatus `json:"status,omitempty"`
}

type RunsResponse struct {
	Code Code       `json:"code"`
	Runs []core.Run `json:"runs"`
}

type ScheduleTaskRequest struct {
	Task core.Task `json:"task"`
}

type TaskResponse struct {
	Code Code      `json:"code"`
	Task core.Task `json:"task"`
}

type TasksFilter struct {
	TaskID string `json:"task_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

type TasksResponse struct {
	Code  Code        `json:"code"`
	Tasks []core.Task `json:"tasks"`
}

type ScavengerRequest struct {
	Active bool `json:"active"`
}

type ScavengerResponse struct {
	Code   Code `json:"code"`
	Active bool `json:"active"`
}

type ConfigResponse struct {
	Code   Code              `json:"code"`
	Config core.GlobalConfig `json:"config"`
}

type KernelAccessRequest struct {
	UserID string `json:"user_id"`
}

// KernelAccessResponse carries the ALLOW/DENY decision of the kernel
// access side service.
type KernelAccessResponse struct {
	Code     Code   `json:"code"`
	Decision string `json:"decision"`
}

const (
	KernelAllow = "ALLOW"
	KernelDeny  = "DENY"
)
