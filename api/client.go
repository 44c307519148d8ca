package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"

	"github.com/leoscope/leotest/core"
)

const (
	defaultTimeout = 5 * time.Second
	retryAttempts  = 5
	retryBaseDelay = 500 * time.Millisecond
)

// Client is the coordinator client used by node agents and the CLI.
// Mutators are idempotent by caller-assigned record id, so transport
// failures and UNAVAILABLE responses are retried with jittered
// exponential backoff; every other code is surfaced verbatim.
type Client struct {
	baseURL string
	userID  string
	token   string
	jwt     string

	httpClient *http.Client
	logger     core.Logger
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithLogger(l core.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithJWT switches the client to signed-token auth for subsequent calls.
func WithJWT(token string) ClientOption {
	return func(c *Client) { c.jwt = token }
}

func NewClient(baseURL, userID, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		userID:     userID,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     &core.SimpleLogger{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do performs one logical call. The body is marshalled once and replayed
// per attempt; only transport errors and UNAVAILABLE are retried.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return retry.Do(
		func() error {
			return c.attempt(ctx, method, u, body, out)
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return CodeOf(err) == CodeUnavailable
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debugf("retrying %s %s (attempt %d): %v", method, path, n+1, err)
		}),
	)
}

func (c *Client) attempt(ctx context.Context, method, u string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUserID, c.userID)
	if c.jwt != "" {
		req.Header.Set(HeaderJWT, c.jwt)
	} else {
		req.Header.Set(HeaderAccessToken, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Code: CodeUnavailable}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr = &Error{
				Code:    codeForStatus(resp.StatusCode),
				Message: fmt.Sprintf("http %d", resp.StatusCode),
			}
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func codeForStatus(status int) Code {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalid
	case http.StatusUnauthorized:
		return CodeUnauth
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusUnprocessableEntity:
		return CodeUnsupported
	}
	return CodeUnavailable
}

func (c *Client) RegisterUser(ctx context.Context, u *core.User) (*RegisterUserResponse, error) {
	var out RegisterUserResponse
	if err := c.do(ctx, http.MethodPost, "/v1/users", nil, &RegisterUserRequest{User: *u}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ModifyUser(ctx context.Context, id string, req *ModifyUserRequest) error {
	return c.do(ctx, http.MethodPatch, "/v1/users/"+url.PathEscape(id), nil, req, nil)
}

func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/users/"+url.PathEscape(id), nil, nil, nil)
}

// Login trades the static token for a short-lived signed token.
func (c *Client) Login(ctx context.Context, ttl time.Duration) (*TokenResponse, error) {
	var out TokenResponse
	req := &TokenRequest{TTLSecs: int64(ttl / time.Second)}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RegisterNode(ctx context.Context, n *core.Node) (*RegisterNodeResponse, error) {
	var out RegisterNodeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/nodes", nil, &RegisterNodeRequest{Node: *n}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateNode(ctx context.Context, id string, req *UpdateNodeRequest) error {
	return c.do(ctx, http.MethodPatch, "/v1/nodes/"+url.PathEscape(id), nil, req, nil)
}

func (c *Client) DeleteNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/nodes/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) GetNodes(ctx context.Context, f NodesFilter) ([]core.Node, error) {
	q := url.Values{}
	if f.NodeID != "" {
		q.Set("node_id", f.NodeID)
	}
	if f.Location != "" {
		q.Set("location", f.Location)
	}
	if f.Active {
		q.Set("active", "true")
		if f.ActiveThresSecs > 0 {
			q.Set("active_thres_s", strconv.FormatInt(f.ActiveThresSecs, 10))
		}
	}
	var out NodesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/nodes", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

func (c *Client) Heartbeat(ctx context.Context, nodeID string) (bool, error) {
	var out HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(nodeID)+"/heartbeat", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Received, nil
}

func (c *Client) ScheduleJob(ctx context.Context, j *core.Job) (*JobResponse, error) {
	var out JobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", nil, &ScheduleJobRequest{Job: *j}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RescheduleJobNearest(ctx context.Context, jobID string, after time.Time) (*RescheduleResponse, error) {
	var out RescheduleResponse
	req := &RescheduleRequest{After: after}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/reschedule", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var out JobResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Job, nil
}

func (c *Client) JobsByNode(ctx context.Context, nodeID string) ([]core.Job, error) {
	q := url.Values{"node_id": {nodeID}}
	var out JobsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) JobsByOwner(ctx context.Context, ownerID string) ([]core.Job, error) {
	q := url.Values{"user_id": {ownerID}}
	var out JobsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) CreateRun(ctx context.Context, r *core.Run) (*RunResponse, error) {
	var out RunResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs", nil, &UpdateRunRequest{Run: *r}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateRun(ctx context.Context, r *core.Run) (*RunResponse, error) {
	var out RunResponse
	if err := c.do(ctx, http.MethodPut, "/v1/runs/"+url.PathEscape(r.ID), nil, &UpdateRunRequest{Run: *r}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRuns(ctx context.Context, f RunsFilter) ([]core.Run, error) {
	q := url.Values{}
	if f.JobID != "" {
		q.Set("job_id", f.JobID)
	}
	if f.NodeID != "" {
		q.Set("node_id", f.NodeID)
	}
	if f.OwnerID != "" {
		q.Set("user_id", f.OwnerID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	var out RunsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/runs", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) ScheduleTask(ctx context.Context, t *core.Task) (*TaskResponse, error) {
	var out TaskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", nil, &ScheduleTaskRequest{Task: *t}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTasks(ctx context.Context, f TasksFilter) ([]core.Task, error) {
	q := url.Values{}
	if f.TaskID != "" {
		q.Set("task_id", f.TaskID)
	}
	if f.NodeID != "" {
		q.Set("node_id", f.NodeID)
	}
	if f.RunID != "" {
		q.Set("run_id", f.RunID)
	}
	var out TasksResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) UpdateTask(ctx context.Context, t *core.Task) error {
	return c.do(ctx, http.MethodPut, "/v1/tasks/"+url.PathEscape(t.ID), nil, &ScheduleTaskRequest{Task: *t}, nil)
}

func (c *Client) SetScavenger(ctx context.Context, nodeID string, active bool) error {
	req := &ScavengerRequest{Active: active}
	return c.do(ctx, http.MethodPut, "/v1/nodes/"+url.PathEscape(nodeID)+"/scavenger", nil, req, nil)
}

func (c *Client) GetScavenger(ctx context.Context, nodeID string) (bool, error) {
	var out ScavengerResponse
	if err := c.do(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(nodeID)+"/scavenger", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Active, nil
}

func (c *Client) GetConfig(ctx context.Context) (*core.GlobalConfig, error) {
	var out ConfigResponse
	if err := c.do(ctx, http.MethodGet, "/v1/config", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Config, nil
}

func (c *Client) UpdateConfig(ctx context.Context, cfg *core.GlobalConfig) error {
	return c.do(ctx, http.MethodPut, "/v1/config", nil, cfg, nil)
}

func (c *Client) KernelAccess(ctx context.Context, userID string) (string, error) {
	var out KernelAccessResponse
	req := &KernelAccessRequest{UserID: userID}
	if err := c.do(ctx, http.MethodPost, "/v1/kernel-access", nil, req, &out); err != nil {
		return "", err
	}
	return out.Decision, nil
}
