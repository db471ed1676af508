package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultHeartbeatTTL is how long a daemon stays visible after its last tick.
const DefaultHeartbeatTTL = 5 * time.Minute

func daemonKey(workerID string) string { return "vespene:daemon:" + workerID }
func poolKey(pool string) string       { return "vespene:pool:" + pool + ":daemons" }

// DaemonStatus is the operator-facing snapshot a daemon publishes every tick.
type DaemonStatus struct {
	WorkerID      string    `json:"worker_id"`
	Pool          string    `json:"pool"`
	Remaining     int       `json:"remaining"` // -1 when unlimited
	Processed     int       `json:"processed"`
	LastBuildID   int64     `json:"last_build_id,omitempty"`
	LastTickAt    time.Time `json:"last_tick_at"`
	LastTickError string    `json:"last_tick_error,omitempty"`
}

// ErrDaemonNotFound is returned when no live heartbeat exists for a worker id.
var ErrDaemonNotFound = errors.New("daemon heartbeat not found")

// StatusStore keeps short-lived daemon heartbeats in Redis.
type StatusStore interface {
	Heartbeat(ctx context.Context, status *DaemonStatus) error
	Get(ctx context.Context, workerID string) (*DaemonStatus, error)
	List(ctx context.Context, pool string) ([]*DaemonStatus, error)
	Remove(ctx context.Context, status *DaemonStatus) error
}

type statusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusStore creates a Redis-backed StatusStore. A non-positive ttl
// falls back to DefaultHeartbeatTTL.
func NewStatusStore(client *redis.Client, ttl time.Duration) StatusStore {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &statusStore{client: client, ttl: ttl}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *statusStore) Heartbeat(ctx context.Context, status *DaemonStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal daemon status: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, daemonKey(status.WorkerID), data, s.ttl)
	pipe.SAdd(ctx, poolKey(status.Pool), status.WorkerID)
	pipe.Expire(ctx, poolKey(status.Pool), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis heartbeat for %s: %w", status.WorkerID, err)
	}
	return nil
}

func (s *statusStore) Get(ctx context.Context, workerID string) (*DaemonStatus, error) {
	data, err := s.client.Get(ctx, daemonKey(workerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", workerID, ErrDaemonNotFound)
		}
		return nil, fmt.Errorf("redis get daemon %s: %w", workerID, err)
	}
	var status DaemonStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("unmarshal daemon status: %w", err)
	}
	return &status, nil
}

// List returns the live daemons of a pool ordered by worker id. Members whose
// heartbeat expired are pruned from the pool set.
func (s *statusStore) List(ctx context.Context, pool string) ([]*DaemonStatus, error) {
	ids, err := s.client.SMembers(ctx, poolKey(pool)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list daemons of %s: %w", pool, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = daemonKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget daemons of %s: %w", pool, err)
	}

	var (
		out   []*DaemonStatus
		stale []any
	)
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var status DaemonStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return nil, fmt.Errorf("unmarshal daemon status %s: %w", ids[i], err)
		}
		out = append(out, &status)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, poolKey(pool), stale...) //nolint:errcheck
	}
	return out, nil
}

func (s *statusStore) Remove(ctx context.Context, status *DaemonStatus) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, daemonKey(status.WorkerID))
	pipe.SRem(ctx, poolKey(status.Pool), status.WorkerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove daemon %s: %w", status.WorkerID, err)
	}
	return nil
}
