package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/leoscope/leotest/core"
)

const (
	keyPrefix = "leotest:"

	admissionLockTTL   = 15 * time.Second
	admissionLockRetry = 50 * time.Millisecond
	casRetries         = 5
)

// releaseScript deletes an admission lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is the production Store: one JSON document per record under
// leotest:<collection>:<id>, per-collection index sets for listing, and
// secondary index sets for the node/owner job lookups the coordinator
// serves on every agent tick.
type Redis struct {
	rdb    *redis.Client
	logger core.Logger
}

var _ Store = (*Redis)(nil)

func NewRedis(addr, password string, db int, logger core.Logger) *Redis {
	if logger == nil {
		logger = &core.SimpleLogger{}
	}
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: logger,
	}
}

// NewRedisFromClient wraps an existing client, for callers that manage
// the connection pool themselves.
func NewRedisFromClient(rdb *redis.Client, logger core.Logger) *Redis {
	if logger == nil {
		logger = &core.SimpleLogger{}
	}
	return &Redis{rdb: rdb, logger: logger}
}

func docKey(collection, id string) string   { return keyPrefix + collection + ":" + id }
func indexKey(collection string) string     { return keyPrefix + "index:" + collection }
func jobNodeKey(nodeID string) string       { return keyPrefix + "index:jobs:node:" + nodeID }
func jobOwnerKey(ownerID string) string     { return keyPrefix + "index:jobs:owner:" + ownerID }
func admissionLockKey(nodeID string) string { return keyPrefix + "admission:" + nodeID }

func (s *Redis) create(ctx context.Context, collection, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s %q: %w", collection, id, err)
	}
	ok, err := s.rdb.SetNX(ctx, docKey(collection, id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX %s %q: %w", collection, id, err)
	}
	if !ok {
		return core.ErrAlreadyExists
	}
	if err := s.rdb.SAdd(ctx, indexKey(collection), id).Err(); err != nil {
		return fmt.Errorf("redis SADD index %s: %w", collection, err)
	}
	return nil
}

func (s *Redis) get(ctx context.Context, collection, id string, out interface{}, notFound error) error {
	data, err := s.rdb.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("redis GET %s %q: %w", collection, id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s %q: %w", collection, id, err)
	}
	return nil
}

func (s *Redis) update(ctx context.Context, collection, id string, doc interface{}, notFound error) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s %q: %w", collection, id, err)
	}
	ok, err := s.rdb.SetXX(ctx, docKey(collection, id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis SETXX %s %q: %w", collection, id, err)
	}
	if !ok {
		return notFound
	}
	return nil
}

func (s *Redis) delete(ctx context.Context, collection, id string, notFound error) error {
	n, err := s.rdb.Del(ctx, docKey(collection, id)).Result()
	if err != nil {
		return fmt.Errorf("redis DEL %s %q: %w", collection, id, err)
	}
	if n == 0 {
		return notFound
	}
	if err := s.rdb.SRem(ctx, indexKey(collection), id).Err(); err != nil {
		return fmt.Errorf("redis SREM index %s: %w", collection, err)
	}
	return nil
}

func (s *Redis) CreateUser(ctx context.Context, u *core.User) error {
	return s.create(ctx, "users", u.ID, u)
}

func (s *Redis) GetUser(ctx context.Context, id string) (*core.User, error) {
	var u core.User
	if err := s.get(ctx, "users", id, &u, core.ErrUserNotFound); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Redis) UpdateUser(ctx context.Context, u *core.User) error {
	return s.update(ctx, "users", u.ID, u, core.ErrUserNotFound)
}

func (s *Redis) DeleteUser(ctx context.Context, id string) error {
	return s.delete(ctx, "users", id, core.ErrUserNotFound)
}

func (s *Redis) CreateNode(ctx context.Context, n *core.Node) error {
	return s.create(ctx, "nodes", n.ID, n)
}

func (s *Redis) GetNode(ctx context.Context, id string) (*core.Node, error) {
	var n core.Node
	if err := s.get(ctx, "nodes", id, &n, core.ErrNodeNotFound); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Redis) UpdateNode(ctx context.Context, n *core.Node) error {
	return s.update(ctx, "nodes", n.ID, n, core.ErrNodeNotFound)
}

func (s *Redis) DeleteNode(ctx context.Context, id string) error {
	return s.delete(ctx, "nodes", id, core.ErrNodeNotFound)
}

func (s *Redis) ListNodes(ctx context.Context) ([]*core.Node, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey("nodes")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS nodes: %w", err)
	}
	sort.Strings(ids)
	out := make([]*core.Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetNode(ctx, id)
		if errors.Is(err, core.ErrNodeNotFound) {
			continue // deleted between SMEMBERS and GET
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Redis) CreateJob(ctx context.Context, j *core.Job) error {
	if err := s.create(ctx, "jobs", j.ID, j); err != nil {
		return err
	}
	for _, nodeID := range j.TargetNodes() {
		if err := s.rdb.SAdd(ctx, jobNodeKey(nodeID), j.ID).Err(); err != nil {
			return fmt.Errorf("redis SADD job node index: %w", err)
		}
	}
	if err := s.rdb.SAdd(ctx, jobOwnerKey(j.OwnerID), j.ID).Err(); err != nil {
		return fmt.Errorf("redis SADD job owner index: %w", err)
	}
	return nil
}

func (s *Redis) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var j core.Job
	if err := s.get(ctx, "jobs", id, &j, core.ErrJobNotFound); err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJob rewrites the document. The node and owner of a job never
// change after admission (rescheduling only moves the ATQ instant), so
// the secondary indexes stay valid.
func (s *Redis) UpdateJob(ctx context.Context, j *core.Job) error {
	return s.update(ctx, "jobs", j.ID, j, core.ErrJobNotFound)
}

func (s *Redis) DeleteJob(ctx context.Context, id string) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.delete(ctx, "jobs", id, core.ErrJobNotFound); err != nil {
		return err
	}
	for _, nodeID := range j.TargetNodes() {
		if err := s.rdb.SRem(ctx, jobNodeKey(nodeID), id).Err(); err != nil {
			return fmt.Errorf("redis SREM job node index: %w", err)
		}
	}
	if err := s.rdb.SRem(ctx, jobOwnerKey(j.OwnerID), id).Err(); err != nil {
		return fmt.Errorf("redis SREM job owner index: %w", err)
	}
	return nil
}

func (s *Redis) jobsByIndex(ctx context.Context, key string) ([]*core.Job, error) {
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %q: %w", key, err)
	}
	sort.Strings(ids)
	out := make([]*core.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if errors.Is(err, core.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Redis) JobsByNode(ctx context.Context, nodeID string) ([]*core.Job, error) {
	return s.jobsByIndex(ctx, jobNodeKey(nodeID))
}

func (s *Redis) JobsByOwner(ctx context.Context, ownerID string) ([]*core.Job, error) {
	return s.jobsByIndex(ctx, jobOwnerKey(ownerID))
}

func (s *Redis) CreateRun(ctx context.Context, r *core.Run) error {
	r.Version = 1
	return s.create(ctx, "runs", r.ID, r)
}

func (s *Redis) GetRun(ctx context.Context, id string) (*core.Run, error) {
	var r core.Run
	if err := s.get(ctx, "runs", id, &r, core.ErrRunNotFound); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRunCAS performs the optimistic write with WATCH/MULTI: the run
// document is re-read inside the transaction and the write aborts when
// its version moved.
func (s *Redis) UpdateRunCAS(ctx context.Context, r *core.Run, expectedVersion int64) error {
	key := docKey("runs", r.ID)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return core.ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("redis GET run %q: %w", r.ID, err)
		}
		var cur core.Run
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("unmarshal run %q: %w", r.ID, err)
		}
		if cur.Version != expectedVersion {
			return core.ErrCASConflict
		}
		r.Version = expectedVersion + 1
		next, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal run %q: %w", r.ID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return core.ErrCASConflict
}

func (s *Redis) ListRuns(ctx context.Context, f RunFilter) ([]*core.Run, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey("runs")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS runs: %w", err)
	}
	sort.Strings(ids)
	var out []*core.Run
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if errors.Is(err, core.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Redis) CreateTask(ctx context.Context, t *core.Task) error {
	return s.create(ctx, "tasks", t.ID, t)
}

func (s *Redis) GetTask(ctx context.Context, id string) (*core.Task, error) {
	var t core.Task
	if err := s.get(ctx, "tasks", id, &t, core.ErrTaskNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Redis) UpdateTask(ctx context.Context, t *core.Task) error {
	return s.update(ctx, "tasks", t.ID, t, core.ErrTaskNotFound)
}

func (s *Redis) ListTasks(ctx context.Context, f TaskFilter) ([]*core.Task, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey("tasks")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS tasks: %w", err)
	}
	var out []*core.Task
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if errors.Is(err, core.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedTS.Before(out[b].CreatedTS) })
	return out, nil
}

func (s *Redis) GetConfig(ctx context.Context) (*core.GlobalConfig, error) {
	var c core.GlobalConfig
	err := s.get(ctx, "config", "global", &c, nil)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Redis) PutConfig(ctx context.Context, c *core.GlobalConfig) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := s.rdb.Set(ctx, docKey("config", "global"), data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET config: %w", err)
	}
	return nil
}

// WithNodeAdmission takes SET NX locks for the given nodes (sorted, so a
// paired admission on {a,b} and one on {b,a} cannot deadlock) and runs fn.
// The lock TTL bounds the damage of a crashed coordinator worker.
func (s *Redis) WithNodeAdmission(ctx context.Context, nodeIDs []string, fn func() error) error {
	ids := append([]string(nil), nodeIDs...)
	sort.Strings(ids)
	token := uuid.NewString()

	var held []string
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := releaseScript.Run(ctx, s.rdb, []string{held[i]}, token).Err(); err != nil {
				s.logger.Warningf("admission lock release %q: %v", held[i], err)
			}
		}
	}
	defer release()

	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		key := admissionLockKey(id)
		for {
			ok, err := s.rdb.SetNX(ctx, key, token, admissionLockTTL).Result()
			if err != nil {
				return fmt.Errorf("redis admission lock %q: %w", key, err)
			}
			if ok {
				held = append(held, key)
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(admissionLockRetry):
			}
		}
	}
	return fn()
}

func (s *Redis) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
