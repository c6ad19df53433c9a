// Package queue implements C4: the reconciled ordered list of assignable
// task IDs, backed by a Redis list, plus the in-process CompletedSet and
// CachedCounters that sit alongside it.
//
// The Redis list gives the queue persistence across middleware restarts;
// the CompletedSet and CachedCounters are process-local by design (see
// spec §4.4) and are guarded by the same mutex that serializes
// PopCandidateSkipping against Reconcile and Remove, matching §5's
// requirement that the queue's compound read-modify-write be serialized
// with respect to every other mutator.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/leasestore"
)

const queueKey = "assignment_queue"

// Predicate reports whether a candidate task ID is currently assignable.
// A false return rotates the task to the back of the queue rather than
// removing it, preserving it for other agents.
type Predicate func(taskID int64) (bool, error)

// Queue is the C4 Assignment Queue contract.
type Queue interface {
	SnapshotSize(ctx context.Context) (int, error)
	PopCandidateSkipping(ctx context.Context, p Predicate) (int64, bool, error)
	Remove(ctx context.Context, taskID int64) error
	Requeue(ctx context.Context, taskID int64) error
	Enqueue(ctx context.Context, taskID int64) error
	Reconcile(ctx context.Context, unlabeledIDs []int64) (added, removed int, err error)
	MarkCompleted(ctx context.Context, taskID int64) error
	Counters() domain.CachedCounters
}

type queue struct {
	client *redis.Client
	leases leasestore.Store

	mu        sync.Mutex
	completed map[int64]struct{}
	counters  domain.CachedCounters
}

// New wraps a go-redis client and a lease store with the Queue contract.
// leases is used only for the bulk lock-probe that feeds CachedCounters.
func New(client *redis.Client, leases leasestore.Store) Queue {
	return &queue{
		client:    client,
		leases:    leases,
		completed: make(map[int64]struct{}),
	}
}

func (q *queue) SnapshotSize(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// PopCandidateSkipping atomically removes and returns the first task ID for
// which p is true. Task IDs for which p is false are rotated to the back
// and remain candidates for other callers. The scan is bounded to the
// queue's length at entry so it terminates even if every member fails p.
func (q *queue) PopCandidateSkipping(ctx context.Context, p Predicate) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, false, unavailable(err)
	}

	for i := int64(0); i < n; i++ {
		v, err := q.client.LPop(ctx, queueKey).Result()
		if err == redis.Nil {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, unavailable(err)
		}
		taskID, perr := parseTaskID(v)
		if perr != nil {
			continue
		}
		if _, done := q.completed[taskID]; done {
			continue
		}
		ok, err := p(taskID)
		if err != nil {
			// The task is lost from the queue on a predicate error; restore it
			// at the tail so it isn't silently dropped, then propagate.
			q.client.RPush(ctx, queueKey, v)
			return 0, false, err
		}
		if ok {
			return taskID, true, nil
		}
		if err := q.client.RPush(ctx, queueKey, v).Err(); err != nil {
			return 0, false, unavailable(err)
		}
	}
	return 0, false, nil
}

func (q *queue) Remove(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.client.LRem(ctx, queueKey, 0, formatTaskID(taskID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Requeue reinserts taskID at the head of the queue. Used when a request
// fails after a winning candidate has already been popped, so the task is
// not lost to the agent that would otherwise have claimed it next.
func (q *queue) Requeue(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.client.LPush(ctx, queueKey, formatTaskID(taskID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Enqueue reinserts taskID at the tail of the queue, behind every task
// already waiting. Used when a task becomes assignable again without
// having gone through a fresh reconcile (e.g. a skip releasing it back
// to other agents), so it doesn't jump ahead of tasks that were already
// queued.
func (q *queue) Enqueue(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, done := q.completed[taskID]; done {
		return nil
	}
	if err := q.client.RPush(ctx, queueKey, formatTaskID(taskID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Reconcile adds newly-unlabeled tasks (sorted for determinism) and drops
// tasks the upstream store no longer lists as unlabeled. Tasks already in
// CompletedSet are never re-added even if unlabeledIDs still names them.
func (q *queue) Reconcile(ctx context.Context, unlabeledIDs []int64) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.client.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return 0, 0, unavailable(err)
	}
	currentSet := make(map[int64]struct{}, len(current))
	for _, v := range current {
		if id, perr := parseTaskID(v); perr == nil {
			currentSet[id] = struct{}{}
		}
	}

	unlabeledSet := make(map[int64]struct{}, len(unlabeledIDs))
	for _, id := range unlabeledIDs {
		unlabeledSet[id] = struct{}{}
	}

	var toAdd []int64
	for id := range unlabeledSet {
		if _, inQueue := currentSet[id]; inQueue {
			continue
		}
		if _, done := q.completed[id]; done {
			continue
		}
		toAdd = append(toAdd, id)
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i] < toAdd[j] })

	var toRemove []int64
	for id := range currentSet {
		if _, stillUnlabeled := unlabeledSet[id]; !stillUnlabeled {
			toRemove = append(toRemove, id)
		}
	}

	if len(toAdd) > 0 {
		members := make([]interface{}, len(toAdd))
		for i, id := range toAdd {
			members[i] = formatTaskID(id)
		}
		if err := q.client.RPush(ctx, queueKey, members...).Err(); err != nil {
			return 0, 0, unavailable(err)
		}
	}
	for _, id := range toRemove {
		if err := q.client.LRem(ctx, queueKey, 0, formatTaskID(id)).Err(); err != nil {
			return 0, 0, unavailable(err)
		}
	}

	if err := q.recomputeCounters(ctx); err != nil {
		return 0, 0, err
	}
	return len(toAdd), len(toRemove), nil
}

func (q *queue) MarkCompleted(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	q.completed[taskID] = struct{}{}
	q.mu.Unlock()
	return q.Remove(ctx, taskID)
}

func (q *queue) Counters() domain.CachedCounters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counters
}

// recomputeCounters must be called with q.mu held.
func (q *queue) recomputeCounters(ctx context.Context) error {
	members, err := q.client.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return unavailable(err)
	}
	ids := make([]int64, 0, len(members))
	for _, v := range members {
		if id, perr := parseTaskID(v); perr == nil {
			ids = append(ids, id)
		}
	}
	locked, err := q.leases.CountLocked(ctx, ids)
	if err != nil {
		return err
	}
	q.counters = domain.CachedCounters{
		TotalUnlabeled: len(ids),
		TotalLocked:    locked,
		Available:      len(ids) - locked,
		LastUpdated:    time.Now().UTC(),
	}
	return nil
}

func formatTaskID(taskID int64) string { return fmt.Sprintf("%d", taskID) }

func parseTaskID(v string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(v, "%d", &id)
	return id, err
}

func unavailable(err error) error {
	return &domain.UnavailableError{Backend: domain.KindKV, Err: err}
}
