package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the full external HTTP API of §6: chi routing, the
// request logger, recoverer, CORS, and X-API-Key auth.
func NewRouter(h *Handlers, apiKey string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(CORS)

	r.Get("/api/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(apiKey))

		r.Post("/api/tasks/request", h.RequestTask)
		r.Get("/api/audio/stream/{task_id}/{agent_id}", h.StreamAudio)
		r.Post("/api/tasks/{task_id}/submit", h.SubmitTranscription)
		r.Post("/api/tasks/{task_id}/skip", h.SkipTask)
		r.Get("/api/tasks/available/count", h.AvailableCount)
		r.Get("/api/agents/{agent_id}/stats", h.AgentStats)
		r.Get("/api/stats", h.SystemStats)
	})

	return r
}
