// Package statsstore implements C3: durable per-agent counters and
// per-session audit records on top of PostgreSQL.
package statsstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
)

// Store is the C3 Stats Store contract.
type Store interface {
	OpenSession(ctx context.Context, agentID, taskID int64, assignedAt time.Time) (int64, error)
	MostRecentOpenSessionID(ctx context.Context, agentID, taskID int64) (int64, error)
	CloseSessionCompleted(ctx context.Context, sessionID int64, completedAt time.Time, durationSeconds float64, transcriptionLength int) error
	CloseSessionSkipped(ctx context.Context, sessionID int64, completedAt time.Time, skipReason string) error
	BumpAgentOnComplete(ctx context.Context, agentID int64, durationSeconds, earningsDelta float64, now time.Time) error
	BumpAgentOnSkip(ctx context.Context, agentID int64, now time.Time) error
	GetAgentStats(ctx context.Context, agentID int64) (domain.AgentStats, error)
	Ping(ctx context.Context) error
}

type store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New wraps a pgxpool with the Store contract. timeout bounds every
// individual query/exec issued through the returned Store.
func New(pool *pgxpool.Pool, timeout time.Duration) Store {
	return &store{pool: pool, timeout: timeout}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *store) OpenSession(ctx context.Context, agentID, taskID int64, assignedAt time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transcription_sessions (agent_id, task_id, assigned_at, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, agentID, taskID, assignedAt, string(domain.SessionAssigned)).Scan(&id)
	if err != nil {
		return 0, unavailable(fmt.Errorf("open session for agent %d task %d: %w", agentID, taskID, err))
	}
	return id, nil
}

func (s *store) MostRecentOpenSessionID(ctx context.Context, agentID, taskID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM transcription_sessions
		WHERE agent_id = $1 AND task_id = $2 AND status = $3
		ORDER BY assigned_at DESC
		LIMIT 1
	`, agentID, taskID, string(domain.SessionAssigned)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &domain.NotFoundError{Resource: "session", ID: fmt.Sprintf("agent=%d task=%d", agentID, taskID)}
		}
		return 0, unavailable(fmt.Errorf("lookup open session: %w", err))
	}
	return id, nil
}

func (s *store) CloseSessionCompleted(ctx context.Context, sessionID int64, completedAt time.Time, durationSeconds float64, transcriptionLength int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		UPDATE transcription_sessions
		SET status = $1, completed_at = $2, duration_seconds = $3, transcription_length = $4
		WHERE id = $5
	`, string(domain.SessionCompleted), completedAt, durationSeconds, transcriptionLength, sessionID)
	if err != nil {
		return unavailable(fmt.Errorf("close session %d completed: %w", sessionID, err))
	}
	return nil
}

func (s *store) CloseSessionSkipped(ctx context.Context, sessionID int64, completedAt time.Time, skipReason string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		UPDATE transcription_sessions
		SET status = $1, completed_at = $2, skip_reason = $3
		WHERE id = $4
	`, string(domain.SessionSkipped), completedAt, skipReason, sessionID)
	if err != nil {
		return unavailable(fmt.Errorf("close session %d skipped: %w", sessionID, err))
	}
	return nil
}

// BumpAgentOnComplete is a single atomic upsert: `a = a + $delta` avoids
// any read-modify-write race across concurrent submits for the same agent.
func (s *store) BumpAgentOnComplete(ctx context.Context, agentID int64, durationSeconds, earningsDelta float64, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_stats (agent_id, total_tasks_completed, total_tasks_skipped,
			total_duration_seconds, total_earnings, last_active, created_at, updated_at)
		VALUES ($1, 1, 0, $2, $3, $4, $4, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			total_tasks_completed  = agent_stats.total_tasks_completed + 1,
			total_duration_seconds = agent_stats.total_duration_seconds + $2,
			total_earnings         = agent_stats.total_earnings + $3,
			last_active            = $4,
			updated_at             = $4
	`, agentID, durationSeconds, earningsDelta, now)
	if err != nil {
		return unavailable(fmt.Errorf("bump agent %d on complete: %w", agentID, err))
	}
	return nil
}

func (s *store) BumpAgentOnSkip(ctx context.Context, agentID int64, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_stats (agent_id, total_tasks_completed, total_tasks_skipped,
			total_duration_seconds, total_earnings, last_active, created_at, updated_at)
		VALUES ($1, 0, 1, 0, 0, $2, $2, $2)
		ON CONFLICT (agent_id) DO UPDATE SET
			total_tasks_skipped = agent_stats.total_tasks_skipped + 1,
			last_active         = $2,
			updated_at          = $2
	`, agentID, now)
	if err != nil {
		return unavailable(fmt.Errorf("bump agent %d on skip: %w", agentID, err))
	}
	return nil
}

// GetAgentStats returns a zero-valued AgentStats for an agent never seen
// before; it never fails with not-found.
func (s *store) GetAgentStats(ctx context.Context, agentID int64) (domain.AgentStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, total_tasks_completed, total_tasks_skipped,
		       total_duration_seconds, total_earnings, last_active, created_at, updated_at
		FROM agent_stats
		WHERE agent_id = $1
	`, agentID)

	var stats domain.AgentStats
	err := row.Scan(
		&stats.AgentID, &stats.TotalTasksCompleted, &stats.TotalTasksSkipped,
		&stats.TotalDurationSeconds, &stats.TotalEarnings,
		&stats.LastActive, &stats.CreatedAt, &stats.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AgentStats{AgentID: agentID}, nil
		}
		return domain.AgentStats{}, unavailable(fmt.Errorf("get agent stats %d: %w", agentID, err))
	}
	return stats, nil
}

func (s *store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return &domain.UnavailableError{Backend: domain.KindDB, Err: err}
}
