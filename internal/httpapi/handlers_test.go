package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/audio"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/dispatcher"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/leasestore"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/queue"
)

type fakeLeases struct {
	mu        sync.Mutex
	leases    map[int64]domain.Lease
	cooldowns map[[2]int64]bool
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{leases: map[int64]domain.Lease{}, cooldowns: map[[2]int64]bool{}}
}

func (f *fakeLeases) AcquireLease(_ context.Context, taskID, agentID int64, _ time.Duration) (leasestore.AcquireResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leases[taskID]; ok {
		return leasestore.Contended, nil
	}
	f.leases[taskID] = domain.Lease{TaskID: taskID, AgentID: agentID, AcquiredAt: time.Now()}
	return leasestore.Granted, nil
}

func (f *fakeLeases) InspectLease(_ context.Context, taskID int64) (*domain.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[taskID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (f *fakeLeases) ReleaseLease(_ context.Context, taskID, agentID int64) (leasestore.ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[taskID]
	if !ok {
		return leasestore.Absent, nil
	}
	if l.AgentID != agentID {
		return leasestore.NotOwner, nil
	}
	delete(f.leases, taskID)
	return leasestore.Released, nil
}

func (f *fakeLeases) SetCooldown(_ context.Context, taskID, agentID int64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns[[2]int64{taskID, agentID}] = true
	return nil
}

func (f *fakeLeases) InCooldown(_ context.Context, taskID, agentID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooldowns[[2]int64{taskID, agentID}], nil
}

func (f *fakeLeases) CountLocked(_ context.Context, taskIDs []int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range taskIDs {
		if _, ok := f.leases[id]; ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeLeases) Ping(context.Context) error { return nil }

type fakeUpstream struct {
	tasks map[int64]domain.TaskMeta
}

func (f *fakeUpstream) ListUnlabeledTaskIDs(context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(f.tasks))
	for id := range f.tasks {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeUpstream) GetTask(_ context.Context, taskID int64) (domain.TaskMeta, error) {
	meta, ok := f.tasks[taskID]
	if !ok {
		return domain.TaskMeta{}, &domain.NotFoundError{Resource: "task", ID: "50"}
	}
	return meta, nil
}

func (f *fakeUpstream) CreateAnnotation(context.Context, int64, string, int64) (int64, error) {
	return 99, nil
}

func (f *fakeUpstream) Ping(context.Context) error { return nil }

type fakeStats struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]int64 // sessionID -> agentID
	byAgent  map[int64]domain.AgentStats
}

func newFakeStats() *fakeStats {
	return &fakeStats{sessions: map[int64]int64{}, byAgent: map[int64]domain.AgentStats{}}
}

func (f *fakeStats) OpenSession(_ context.Context, agentID, taskID int64, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sessions[f.nextID] = agentID
	return f.nextID, nil
}

func (f *fakeStats) MostRecentOpenSessionID(_ context.Context, agentID, _ int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, a := range f.sessions {
		if a == agentID {
			return id, nil
		}
	}
	return 0, &domain.NotFoundError{Resource: "session", ID: "open"}
}

func (f *fakeStats) CloseSessionCompleted(context.Context, int64, time.Time, float64, int) error { return nil }
func (f *fakeStats) CloseSessionSkipped(context.Context, int64, time.Time, string) error          { return nil }

func (f *fakeStats) BumpAgentOnComplete(_ context.Context, agentID int64, duration, earnings float64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.byAgent[agentID]
	s.AgentID = agentID
	s.TotalTasksCompleted++
	s.TotalDurationSeconds += duration
	s.TotalEarnings += earnings
	s.LastActive = now
	f.byAgent[agentID] = s
	return nil
}

func (f *fakeStats) BumpAgentOnSkip(_ context.Context, agentID int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.byAgent[agentID]
	s.AgentID = agentID
	s.TotalTasksSkipped++
	s.LastActive = now
	f.byAgent[agentID] = s
	return nil
}

func (f *fakeStats) GetAgentStats(_ context.Context, agentID int64) (domain.AgentStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byAgent[agentID], nil
}

func (f *fakeStats) Ping(context.Context) error { return nil }

type fakeQueue struct {
	mu    sync.Mutex
	order []int64
}

func newFakeQueue(ids ...int64) *fakeQueue {
	return &fakeQueue{order: ids}
}

func (q *fakeQueue) SnapshotSize(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order), nil
}

func (q *fakeQueue) PopCandidateSkipping(ctx context.Context, p queue.Predicate) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.order {
		ok, err := p(id)
		if err != nil {
			return 0, false, err
		}
		if ok {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (q *fakeQueue) Remove(context.Context, int64) error { return nil }

func (q *fakeQueue) Requeue(_ context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = append([]int64{taskID}, q.order...)
	return nil
}

func (q *fakeQueue) Enqueue(_ context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = append(q.order, taskID)
	return nil
}

func (q *fakeQueue) Reconcile(context.Context, []int64) (int, int, error) { return 0, 0, nil }
func (q *fakeQueue) MarkCompleted(context.Context, int64) error           { return nil }

func (q *fakeQueue) Counters() domain.CachedCounters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.CachedCounters{Available: len(q.order), TotalUnlabeled: len(q.order)}
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	leases := newFakeLeases()
	up := &fakeUpstream{tasks: map[int64]domain.TaskMeta{
		10: {TaskID: 10, FileName: "a.wav", DurationSeconds: 20},
	}}
	stats := newFakeStats()
	q := newFakeQueue(10)

	d := dispatcher.New(leases, up, stats, q, dispatcher.Config{
		LeaseTTL:      time.Hour,
		CooldownTTL:   time.Hour,
		RatePerSecond: 0.05,
	}, slog.Default())

	s := audio.New(leases, up, t.TempDir())
	return New(d, s, 42)
}

func TestHealth_OK(t *testing.T) {
	h := newTestHandlers(t)
	r := NewRouter(h, "", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(42), resp.ProjectID)
}

func TestRequireAPIKey_Rejects(t *testing.T) {
	h := newTestHandlers(t)
	r := NewRouter(h, "secret", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid API key", resp.Detail)
}

func TestRequestTask_HappyPath(t *testing.T) {
	h := newTestHandlers(t)
	r := NewRouter(h, "", slog.Default())

	body, _ := json.Marshal(requestTaskBody{AgentID: 7})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/request", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp requestTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.TaskID)
	assert.Equal(t, int64(10), *resp.TaskID)
}

func TestRequestTask_EmptyQueue(t *testing.T) {
	h := newTestHandlers(t)
	r := NewRouter(h, "", slog.Default())

	for i := 0; i < 2; i++ {
		body, _ := json.Marshal(requestTaskBody{AgentID: int64(i + 1)})
		req := httptest.NewRequest(http.MethodPost, "/api/tasks/request", bytes.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		_ = w
	}

	body, _ := json.Marshal(requestTaskBody{AgentID: 99})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/request", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp requestTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.TaskID)
	assert.Equal(t, "No tasks available", resp.Message)
}

func TestSubmitTranscription_EmptyText_400(t *testing.T) {
	h := newTestHandlers(t)
	r := NewRouter(h, "", slog.Default())

	reqBody, _ := json.Marshal(requestTaskBody{AgentID: 7})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/request", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	submitBody, _ := json.Marshal(submitBody{AgentID: 7, Transcription: "   "})
	submitReq := httptest.NewRequest(http.MethodPost, "/api/tasks/10/submit", bytes.NewReader(submitBody))
	submitW := httptest.NewRecorder()
	r.ServeHTTP(submitW, submitReq)

	assert.Equal(t, http.StatusBadRequest, submitW.Code)
}

func TestSkipTask_WithoutLease_403(t *testing.T) {
	h := newTestHandlers(t)
	r := NewRouter(h, "", slog.Default())

	skipBody, _ := json.Marshal(skipBody{AgentID: 1, Reason: "noisy"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/10/skip", bytes.NewReader(skipBody))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAvailableCount(t *testing.T) {
	h := newTestHandlers(t)
	r := NewRouter(h, "", slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/available/count", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp countersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Available)
}
