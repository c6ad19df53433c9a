package domain

import "time"

// TaskMeta is the subset of upstream task fields the middleware needs to
// hand a task to an agent. The upstream annotation store remains the
// source of truth for everything else.
type TaskMeta struct {
	TaskID           int64   `json:"task_id"`
	FileName         string  `json:"file_name"`
	DurationSeconds  float64 `json:"duration_seconds"`
}

// Lease is a short-lived exclusive claim on a task by an agent.
type Lease struct {
	TaskID     int64
	AgentID    int64
	AcquiredAt time.Time
}

// Expired reports whether the lease has outlived ttl as of now.
func (l Lease) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) >= ttl
}

// SessionStatus is the terminal/non-terminal state of a Session.
type SessionStatus string

const (
	SessionAssigned SessionStatus = "assigned"
	SessionCompleted SessionStatus = "completed"
	SessionSkipped  SessionStatus = "skipped"
)

// Session is an append-only audit record of one assignment attempt.
type Session struct {
	ID                 int64
	AgentID            int64
	TaskID             int64
	AssignedAt         time.Time
	Status             SessionStatus
	CompletedAt        *time.Time
	DurationSeconds    *float64
	TranscriptionLength *int
	SkipReason         *string
}

// AgentStats holds the durable per-agent counters.
type AgentStats struct {
	AgentID               int64
	TotalTasksCompleted   int64
	TotalTasksSkipped     int64
	TotalDurationSeconds  float64
	TotalEarnings         float64
	LastActive            time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CachedCounters is the reconciler's last published snapshot of queue size.
type CachedCounters struct {
	TotalUnlabeled int
	TotalLocked    int
	Available      int
	LastUpdated    time.Time
}

// Assignment is returned to an agent on a successful request_task call.
type Assignment struct {
	TaskID   int64
	AudioURL string
	Duration float64
	FileName string
}
