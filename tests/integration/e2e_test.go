//go:build integration

// Package integration contains end-to-end integration tests that require
// real infrastructure (Redis, PostgreSQL) provided by testcontainers-go.
//
// Run with: go test -tags=integration -v ./tests/integration/
package integration

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/dispatcher"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/leasestore"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/queue"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/statsstore"
)

// fakeUpstream stands in for the annotation store: the containers this suite
// brings up are Redis and PostgreSQL, not a running Label Studio instance.
type fakeUpstream struct {
	mu        sync.Mutex
	tasks     map[int64]domain.TaskMeta
	labeled   map[int64]bool
	nextAnnID int64
}

func newFakeUpstream(tasks ...domain.TaskMeta) *fakeUpstream {
	f := &fakeUpstream{tasks: map[int64]domain.TaskMeta{}, labeled: map[int64]bool{}}
	for _, task := range tasks {
		f.tasks[task.TaskID] = task
	}
	return f
}

func (f *fakeUpstream) ListUnlabeledTaskIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.tasks {
		if !f.labeled[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeUpstream) GetTask(_ context.Context, taskID int64) (domain.TaskMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.tasks[taskID]
	if !ok {
		return domain.TaskMeta{}, &domain.NotFoundError{Resource: "task", ID: "missing"}
	}
	return meta, nil
}

func (f *fakeUpstream) CreateAnnotation(_ context.Context, taskID int64, _ string, _ int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labeled[taskID] = true
	f.nextAnnID++
	return f.nextAnnID, nil
}

func (f *fakeUpstream) Ping(context.Context) error { return nil }

func (f *fakeUpstream) markLabeledExternally(taskID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labeled[taskID] = true
}

func newTestDispatcher(t *testing.T, up *fakeUpstream) (*dispatcher.Dispatcher, queue.Queue, leasestore.Store) {
	t.Helper()
	ctx := context.Background()

	redisClient := newRedisClient(t)
	leases := leasestore.New(redisClient)
	q := queue.New(redisClient, leases)

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE transcription_sessions, agent_stats CASCADE") //nolint:errcheck
		pool.Close()
	})
	stats := statsstore.New(pool, 2*time.Second)

	d := dispatcher.New(leases, up, stats, q, dispatcher.Config{
		LeaseTTL:      2 * time.Second,
		CooldownTTL:   time.Second,
		RatePerSecond: 0.05,
	}, slog.Default())

	return d, q, leases
}

// TestE2E_HappyPath mirrors scenario S1 without the audio stream: request,
// submit, and verify AgentStats and the Queue transition.
func TestE2E_HappyPath(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(
		domain.TaskMeta{TaskID: 10, FileName: "a.wav", DurationSeconds: 20},
		domain.TaskMeta{TaskID: 11, FileName: "b.wav", DurationSeconds: 10},
		domain.TaskMeta{TaskID: 12, FileName: "c.wav", DurationSeconds: 5},
	)
	d, q, _ := newTestDispatcher(t, up)

	_, _, err := q.Reconcile(ctx, []int64{10, 11, 12})
	require.NoError(t, err)

	assignment, err := d.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, int64(10), assignment.TaskID, "smallest id should be assigned first")

	annotationID, err := d.SubmitTranscription(ctx, 10, 7, "hello world")
	require.NoError(t, err)
	assert.NotZero(t, annotationID)

	stats, err := d.StatsFor(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalTasksCompleted)
	assert.InDelta(t, 20*0.05, stats.TotalEarnings, 0.001)

	size, err := q.SnapshotSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size, "queue should no longer contain the completed task")
}

// TestE2E_SkipThenCooldown mirrors scenario S2.
func TestE2E_SkipThenCooldown(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(
		domain.TaskMeta{TaskID: 11, FileName: "b.wav", DurationSeconds: 10},
		domain.TaskMeta{TaskID: 12, FileName: "c.wav", DurationSeconds: 5},
	)
	d, q, _ := newTestDispatcher(t, up)

	_, _, err := q.Reconcile(ctx, []int64{11, 12})
	require.NoError(t, err)

	a1, err := d.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, a1)
	assert.Equal(t, int64(11), a1.TaskID)

	require.NoError(t, d.SkipTask(ctx, 11, 7, "noisy"))

	a2, err := d.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, a2)
	assert.Equal(t, int64(12), a2.TaskID, "the just-skipped task must not come back during cooldown")

	time.Sleep(1200 * time.Millisecond)

	a3, err := d.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, a3)
	assert.Equal(t, int64(11), a3.TaskID, "after cooldown elapses, the skipped task becomes assignable again")
}

// TestE2E_Contention mirrors scenario S3: two agents requesting a one-task
// queue concurrently, exactly one winner.
func TestE2E_Contention(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(domain.TaskMeta{TaskID: 20, FileName: "x.wav", DurationSeconds: 1})
	d, q, leases := newTestDispatcher(t, up)

	_, _, err := q.Reconcile(ctx, []int64{20})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*domain.Assignment, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			a, err := d.RequestTask(ctx, int64(idx+1))
			require.NoError(t, err)
			results[idx] = a
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, a := range results {
		if a != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one agent should win the single-task queue")

	lease, err := leases.InspectLease(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, lease)
}

// TestE2E_UpstreamLabelsMidFlight mirrors scenario S5.
func TestE2E_UpstreamLabelsMidFlight(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(domain.TaskMeta{TaskID: 30, FileName: "y.wav", DurationSeconds: 8})
	d, q, leases := newTestDispatcher(t, up)

	_, _, err := q.Reconcile(ctx, []int64{30})
	require.NoError(t, err)

	assignment, err := d.RequestTask(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, assignment)

	up.markLabeledExternally(30)
	_, _, err = q.Reconcile(ctx, []int64{})
	require.NoError(t, err)

	_, err = d.SubmitTranscription(ctx, 30, 1, "late transcription")
	require.NoError(t, err, "CreateAnnotation against the fake upstream always succeeds regardless of label state")

	lease, err := leases.InspectLease(ctx, 30)
	require.NoError(t, err)
	assert.Nil(t, lease, "submit must release the lease even when the queue already dropped the task")
}
