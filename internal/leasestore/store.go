// Package leasestore implements C1: TTL'd single-writer task leases and
// per-(agent, task) skip cooldowns on top of Redis.
package leasestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
)

// AcquireResult is the outcome of AcquireLease.
type AcquireResult string

const (
	Granted   AcquireResult = "granted"
	Contended AcquireResult = "contended"
)

// ReleaseResult is the outcome of ReleaseLease.
type ReleaseResult string

const (
	Released ReleaseResult = "released"
	NotOwner ReleaseResult = "not_owner"
	Absent   ReleaseResult = "absent"
)

// Store is the C1 Lease Store contract.
type Store interface {
	AcquireLease(ctx context.Context, taskID, agentID int64, ttl time.Duration) (AcquireResult, error)
	InspectLease(ctx context.Context, taskID int64) (*domain.Lease, error)
	ReleaseLease(ctx context.Context, taskID, agentID int64) (ReleaseResult, error)
	SetCooldown(ctx context.Context, taskID, agentID int64, ttl time.Duration) error
	InCooldown(ctx context.Context, taskID, agentID int64) (bool, error)
	CountLocked(ctx context.Context, taskIDs []int64) (int, error)
	Ping(ctx context.Context) error
}

// releaseScript performs the owner-checked compare-and-delete atomically.
// Return codes: 0 = absent, 1 = released, 2 = not_owner.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	return 0
end
local sep = string.find(v, ':')
if sep == nil then
	return 2
end
local owner = string.sub(v, 1, sep - 1)
if owner == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 2
`)

type store struct {
	client *redis.Client
}

// New wraps a go-redis client with the Store contract.
func New(client *redis.Client) Store {
	return &store{client: client}
}

// NewClient creates a Redis client sized for the lease store's call pattern:
// many small, low-latency operations.
func NewClient(addr string, dialTimeout, readTimeout, writeTimeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		PoolSize:     20,
	})
}

func lockKey(taskID int64) string { return fmt.Sprintf("task:locked:%d", taskID) }
func cooldownKey(taskID, agentID int64) string {
	return fmt.Sprintf("task:skip:%d:%d", taskID, agentID)
}

func lockValue(agentID int64, acquiredAt time.Time) string {
	return fmt.Sprintf("%d:%d", agentID, acquiredAt.Unix())
}

func parseLockValue(v string) (agentID int64, acquiredAt time.Time, err error) {
	idx := strings.IndexByte(v, ':')
	if idx < 0 {
		return 0, time.Time{}, fmt.Errorf("malformed lock value %q", v)
	}
	agentID, err = strconv.ParseInt(v[:idx], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed lock agent id in %q: %w", v, err)
	}
	ts, err := strconv.ParseInt(v[idx+1:], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed lock timestamp in %q: %w", v, err)
	}
	return agentID, time.Unix(ts, 0).UTC(), nil
}

func (s *store) AcquireLease(ctx context.Context, taskID, agentID int64, ttl time.Duration) (AcquireResult, error) {
	now := time.Now().UTC()
	ok, err := s.client.SetNX(ctx, lockKey(taskID), lockValue(agentID, now), ttl).Result()
	if err != nil {
		return "", unavailable(err)
	}
	if !ok {
		return Contended, nil
	}
	return Granted, nil
}

func (s *store) InspectLease(ctx context.Context, taskID int64) (*domain.Lease, error) {
	v, err := s.client.Get(ctx, lockKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	agentID, acquiredAt, err := parseLockValue(v)
	if err != nil {
		return nil, &domain.InternalError{Err: err}
	}
	return &domain.Lease{TaskID: taskID, AgentID: agentID, AcquiredAt: acquiredAt}, nil
}

func (s *store) ReleaseLease(ctx context.Context, taskID, agentID int64) (ReleaseResult, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{lockKey(taskID)}, strconv.FormatInt(agentID, 10)).Int()
	if err != nil {
		return "", unavailable(err)
	}
	switch res {
	case 0:
		return Absent, nil
	case 1:
		return Released, nil
	default:
		return NotOwner, nil
	}
}

func (s *store) SetCooldown(ctx context.Context, taskID, agentID int64, ttl time.Duration) error {
	if err := s.client.Set(ctx, cooldownKey(taskID, agentID), "1", ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *store) InCooldown(ctx context.Context, taskID, agentID int64) (bool, error) {
	n, err := s.client.Exists(ctx, cooldownKey(taskID, agentID)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// CountLocked reports how many of taskIDs currently have a live lease.
// It uses a single MGET instead of N round trips, following the pack's
// pipelining convention for batched Redis reads.
func (s *store) CountLocked(ctx context.Context, taskIDs []int64) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = lockKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	locked := 0
	for _, v := range vals {
		if v != nil {
			locked++
		}
	}
	return locked, nil
}

func (s *store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return &domain.UnavailableError{Backend: domain.KindKV, Err: err}
}
