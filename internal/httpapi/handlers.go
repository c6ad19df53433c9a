package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/audio"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/dispatcher"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
)

// Handlers serves the external HTTP API of §6 on top of the Dispatcher and
// Audio Streamer.
type Handlers struct {
	dispatcher *dispatcher.Dispatcher
	streamer   *audio.Streamer
	projectID  int64
}

// New wires the Dispatcher and Audio Streamer into a Handlers value.
func New(d *dispatcher.Dispatcher, s *audio.Streamer, projectID int64) *Handlers {
	return &Handlers{dispatcher: d, streamer: s, projectID: projectID}
}

type healthResponse struct {
	Status      string `json:"status"`
	LabelStudio string `json:"label_studio"`
	Redis       string `json:"redis"`
	Postgres    string `json:"postgres"`
	ProjectID   int64  `json:"project_id"`
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	report := h.dispatcher.Health(r.Context())

	status := http.StatusOK
	statusStr := "ok"
	if !report.Healthy {
		status = http.StatusInternalServerError
		statusStr = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(healthResponse{
		Status:      statusStr,
		LabelStudio: report.Upstream,
		Redis:       report.KV,
		Postgres:    report.DB,
		ProjectID:   h.projectID,
	})
}

type requestTaskBody struct {
	AgentID int64 `json:"agent_id"`
}

type requestTaskResponse struct {
	TaskID   *int64  `json:"task_id"`
	AudioURL string  `json:"audio_url,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	FileName string  `json:"file_name,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// RequestTask handles POST /api/tasks/request.
func (h *Handlers) RequestTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("httpapi").Start(r.Context(), "httpapi.request_task")
	defer span.End()

	var body requestTaskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.AgentID == 0 {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	span.SetAttributes(attribute.Int64("agent.id", body.AgentID))

	assignment, err := h.dispatcher.RequestTask(ctx, body.AgentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if assignment == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(requestTaskResponse{TaskID: nil, Message: "No tasks available"})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(requestTaskResponse{
		TaskID:   &assignment.TaskID,
		AudioURL: assignment.AudioURL,
		Duration: assignment.Duration,
		FileName: assignment.FileName,
	})
}

// StreamAudio handles GET /api/audio/stream/{task_id}/{agent_id}.
func (h *Handlers) StreamAudio(w http.ResponseWriter, r *http.Request) {
	taskID, agentID, err := pathTaskAgentIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.streamer.Stream(r.Context(), w, taskID, agentID, r.Header.Get("Range")); err != nil {
		writeDomainError(w, err)
		return
	}
}

type submitBody struct {
	AgentID       int64  `json:"agent_id"`
	Transcription string `json:"transcription"`
}

type submitResponse struct {
	Status       string `json:"status"`
	AnnotationID int64  `json:"annotation_id"`
}

// SubmitTranscription handles POST /api/tasks/{task_id}/submit.
func (h *Handlers) SubmitTranscription(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathInt64(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.AgentID == 0 {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	annotationID, err := h.dispatcher.SubmitTranscription(r.Context(), taskID, body.AgentID, body.Transcription)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(submitResponse{Status: "success", AnnotationID: annotationID})
}

type skipBody struct {
	AgentID int64  `json:"agent_id"`
	Reason  string `json:"reason"`
}

type skipResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SkipTask handles POST /api/tasks/{task_id}/skip.
func (h *Handlers) SkipTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathInt64(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body skipBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.AgentID == 0 {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	if err := h.dispatcher.SkipTask(r.Context(), taskID, body.AgentID, body.Reason); err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(skipResponse{Status: "success", Message: "Task skipped and released"})
}

type countersResponse struct {
	Available      int `json:"available"`
	TotalUnlabeled int `json:"total_unlabeled"`
	TotalLocked    int `json:"total_locked"`
}

// AvailableCount handles GET /api/tasks/available/count.
func (h *Handlers) AvailableCount(w http.ResponseWriter, r *http.Request) {
	counters := h.dispatcher.Counters()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(countersResponse{
		Available:      counters.Available,
		TotalUnlabeled: counters.TotalUnlabeled,
		TotalLocked:    counters.TotalLocked,
	})
}

type agentStatsResponse struct {
	AgentID              int64   `json:"agent_id"`
	TotalTasksCompleted  int64   `json:"total_tasks_completed"`
	TotalTasksSkipped    int64   `json:"total_tasks_skipped"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
	TotalEarnings        float64 `json:"total_earnings"`
}

// AgentStats handles GET /api/agents/{agent_id}/stats.
func (h *Handlers) AgentStats(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathInt64(r, "agent_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.dispatcher.StatsFor(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(agentStatsResponse{
		AgentID:              stats.AgentID,
		TotalTasksCompleted:  stats.TotalTasksCompleted,
		TotalTasksSkipped:    stats.TotalTasksSkipped,
		TotalDurationSeconds: stats.TotalDurationSeconds,
		TotalEarnings:        stats.TotalEarnings,
	})
}

// SystemStats handles GET /api/stats.
func (h *Handlers) SystemStats(w http.ResponseWriter, r *http.Request) {
	counters := h.dispatcher.Counters()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(countersResponse{
		Available:      counters.Available,
		TotalUnlabeled: counters.TotalUnlabeled,
		TotalLocked:    counters.TotalLocked,
	})
}

func pathInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &domain.InvalidArgumentError{Field: name, Reason: "must be an integer"}
	}
	return v, nil
}

func pathTaskAgentIDs(r *http.Request) (taskID, agentID int64, err error) {
	taskID, err = pathInt64(r, "task_id")
	if err != nil {
		return 0, 0, err
	}
	agentID, err = pathInt64(r, "agent_id")
	if err != nil {
		return 0, 0, err
	}
	return taskID, agentID, nil
}
