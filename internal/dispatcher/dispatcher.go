// Package dispatcher implements C5: the top-level request/submit/skip
// operations that orchestrate the Lease Store, Upstream Client, Stats
// Store, and Assignment Queue under the ordering guarantees of §5.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/leasestore"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/queue"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/statsstore"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/upstream"
	"github.com/ramiqadoumi/audio-task-dispatch/pkg/telemetry"
)

// Config carries the tunables the Dispatcher needs beyond its collaborators.
type Config struct {
	LeaseTTL      time.Duration
	CooldownTTL   time.Duration
	RatePerSecond float64
	// AudioURL builds the audio_url field returned from RequestTask.
	AudioURL func(taskID, agentID int64) string
}

// HealthReport is the result of Health: per-backend reachability plus the
// overall status derived from it.
type HealthReport struct {
	Healthy  bool
	Upstream string
	KV       string
	DB       string
}

// Dispatcher is the C5 orchestrator.
type Dispatcher struct {
	leases   leasestore.Store
	upstream upstream.Client
	stats    statsstore.Store
	queue    queue.Queue
	cfg      Config
	logger   *slog.Logger
}

// New wires C1-C4 into a Dispatcher.
func New(leases leasestore.Store, up upstream.Client, stats statsstore.Store, q queue.Queue, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.AudioURL == nil {
		cfg.AudioURL = func(taskID, agentID int64) string {
			return fmt.Sprintf("/api/audio/stream/%d/%d", taskID, agentID)
		}
	}
	return &Dispatcher{leases: leases, upstream: up, stats: stats, queue: q, cfg: cfg, logger: logger}
}

// RequestTask implements §4.5 request_task. A nil Assignment with a nil
// error means "no tasks available".
func (d *Dispatcher) RequestTask(ctx context.Context, agentID int64) (*domain.Assignment, error) {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.request_task")
	defer span.End()
	span.SetAttributes(attribute.Int64("agent.id", agentID))
	start := time.Now()
	defer func() {
		telemetry.DispatcherOperationDurationSeconds.WithLabelValues("request").Observe(time.Since(start).Seconds())
	}()

	log := d.logger.With(slog.Int64("agent_id", agentID))

	predicate := func(taskID int64) (bool, error) {
		inCooldown, err := d.leases.InCooldown(ctx, taskID, agentID)
		if err != nil {
			return false, err
		}
		if inCooldown {
			return false, nil
		}
		res, err := d.leases.AcquireLease(ctx, taskID, agentID, d.cfg.LeaseTTL)
		if err != nil {
			return false, err
		}
		return res == leasestore.Granted, nil
	}

	winner, ok, err := d.queue.PopCandidateSkipping(ctx, predicate)
	if err != nil {
		telemetry.DispatcherRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "pop_candidate_skipping failed")
		return nil, err
	}
	if !ok {
		telemetry.DispatcherRequestsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}

	meta, err := d.upstream.GetTask(ctx, winner)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			log.Warn("task no longer exists upstream, evicting", slog.Int64("task_id", winner))
			d.release(ctx, winner, agentID, log)
			if mcErr := d.queue.MarkCompleted(ctx, winner); mcErr != nil {
				log.Error("mark_completed after not_found failed", slog.String("error", mcErr.Error()))
			}
			telemetry.DispatcherRequestsTotal.WithLabelValues("empty").Inc()
			return nil, nil
		}
		log.Error("get_task failed, requeueing", slog.Int64("task_id", winner), slog.String("error", err.Error()))
		d.release(ctx, winner, agentID, log)
		if rqErr := d.queue.Requeue(ctx, winner); rqErr != nil {
			log.Error("requeue after get_task failure failed", slog.String("error", rqErr.Error()))
		}
		telemetry.DispatcherRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	if _, err := d.stats.OpenSession(ctx, agentID, winner, time.Now().UTC()); err != nil {
		log.Error("open_session failed, requeueing", slog.Int64("task_id", winner), slog.String("error", err.Error()))
		d.release(ctx, winner, agentID, log)
		if rqErr := d.queue.Requeue(ctx, winner); rqErr != nil {
			log.Error("requeue after open_session failure failed", slog.String("error", rqErr.Error()))
		}
		telemetry.DispatcherRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	telemetry.DispatcherRequestsTotal.WithLabelValues("assigned").Inc()
	span.SetAttributes(attribute.Int64("task.id", winner))
	return &domain.Assignment{
		TaskID:   winner,
		AudioURL: d.cfg.AudioURL(winner, agentID),
		Duration: meta.DurationSeconds,
		FileName: meta.FileName,
	}, nil
}

// SubmitTranscription implements §4.5 submit_transcription.
func (d *Dispatcher) SubmitTranscription(ctx context.Context, taskID, agentID int64, text string) (int64, error) {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.submit_transcription")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", taskID), attribute.Int64("agent.id", agentID))
	start := time.Now()
	defer func() {
		telemetry.DispatcherOperationDurationSeconds.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	}()

	log := d.logger.With(slog.Int64("task_id", taskID), slog.Int64("agent_id", agentID))

	text = strings.TrimSpace(text)
	if text == "" {
		telemetry.DispatcherSubmitsTotal.WithLabelValues("invalid_argument").Inc()
		return 0, &domain.InvalidArgumentError{Field: "transcription", Reason: "must not be empty"}
	}

	lease, err := d.leases.InspectLease(ctx, taskID)
	if err != nil {
		telemetry.DispatcherSubmitsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	if lease == nil || lease.AgentID != agentID {
		telemetry.DispatcherSubmitsTotal.WithLabelValues("forbidden").Inc()
		return 0, &domain.ForbiddenError{Reason: "no active lease held by this agent"}
	}

	annotationID, err := d.upstream.CreateAnnotation(ctx, taskID, text, agentID)
	if err != nil {
		if !isTransientUpstream(err) {
			d.release(ctx, taskID, agentID, log)
			telemetry.DispatcherSubmitsTotal.WithLabelValues("upstream_rejected").Inc()
		} else {
			telemetry.DispatcherSubmitsTotal.WithLabelValues("upstream_unavailable").Inc()
		}
		span.RecordError(err)
		return 0, err
	}

	now := time.Now().UTC()
	duration := now.Sub(lease.AcquiredAt).Seconds()
	if duration < 0 {
		duration = 0
	}

	var earnings float64
	if meta, metaErr := d.upstream.GetTask(ctx, taskID); metaErr == nil {
		earnings = meta.DurationSeconds * d.cfg.RatePerSecond
	} else {
		log.Warn("task metadata unavailable for earnings computation, recording zero", slog.String("error", metaErr.Error()))
	}

	if sessionID, sErr := d.stats.MostRecentOpenSessionID(ctx, agentID, taskID); sErr == nil {
		if cErr := d.stats.CloseSessionCompleted(ctx, sessionID, now, duration, len(text)); cErr != nil {
			log.Error("close_session_completed failed", slog.String("error", cErr.Error()))
		}
	} else {
		log.Error("lookup of open session failed", slog.String("error", sErr.Error()))
	}
	if err := d.stats.BumpAgentOnComplete(ctx, agentID, duration, earnings, now); err != nil {
		log.Error("bump_agent_on_complete failed", slog.String("error", err.Error()))
	}

	d.release(ctx, taskID, agentID, log)
	if err := d.queue.MarkCompleted(ctx, taskID); err != nil {
		log.Error("mark_completed failed", slog.String("error", err.Error()))
	}

	telemetry.DispatcherSubmitsTotal.WithLabelValues("success").Inc()
	return annotationID, nil
}

// SkipTask implements §4.5 skip_task.
func (d *Dispatcher) SkipTask(ctx context.Context, taskID, agentID int64, reason string) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.skip_task")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", taskID), attribute.Int64("agent.id", agentID))

	log := d.logger.With(slog.Int64("task_id", taskID), slog.Int64("agent_id", agentID))

	lease, err := d.leases.InspectLease(ctx, taskID)
	if err != nil {
		telemetry.DispatcherSkipsTotal.WithLabelValues("error").Inc()
		return err
	}
	if lease == nil || lease.AgentID != agentID {
		telemetry.DispatcherSkipsTotal.WithLabelValues("forbidden").Inc()
		return &domain.ForbiddenError{Reason: "no active lease held by this agent"}
	}

	if _, err := d.leases.ReleaseLease(ctx, taskID, agentID); err != nil {
		telemetry.DispatcherSkipsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := d.leases.SetCooldown(ctx, taskID, agentID, d.cfg.CooldownTTL); err != nil {
		telemetry.DispatcherSkipsTotal.WithLabelValues("error").Inc()
		return err
	}
	// RequestTask's PopCandidateSkipping already removed taskID from the
	// Queue; without this it stays absent until the next reconciler tick.
	// The skipping agent's own cooldown predicate keeps it from winning
	// the task back immediately, so only other agents can reclaim it.
	if err := d.queue.Enqueue(ctx, taskID); err != nil {
		log.Error("enqueue after skip failed", slog.String("error", err.Error()))
	}

	now := time.Now().UTC()
	if sessionID, sErr := d.stats.MostRecentOpenSessionID(ctx, agentID, taskID); sErr == nil {
		if cErr := d.stats.CloseSessionSkipped(ctx, sessionID, now, reason); cErr != nil {
			log.Error("close_session_skipped failed", slog.String("error", cErr.Error()))
		}
	} else {
		log.Error("lookup of open session failed", slog.String("error", sErr.Error()))
	}
	if err := d.stats.BumpAgentOnSkip(ctx, agentID, now); err != nil {
		telemetry.DispatcherSkipsTotal.WithLabelValues("error").Inc()
		return err
	}

	telemetry.DispatcherSkipsTotal.WithLabelValues("success").Inc()
	return nil
}

// StatsFor implements §4.5 stats_for.
func (d *Dispatcher) StatsFor(ctx context.Context, agentID int64) (domain.AgentStats, error) {
	return d.stats.GetAgentStats(ctx, agentID)
}

// Counters implements §4.5 counters.
func (d *Dispatcher) Counters() domain.CachedCounters {
	return d.queue.Counters()
}

// Health implements §4.5 health: basic reachability of C1, C2, C3.
func (d *Dispatcher) Health(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true}

	if err := d.upstream.Ping(ctx); err != nil {
		report.Upstream = err.Error()
		report.Healthy = false
	} else {
		report.Upstream = "ok"
	}
	if err := d.leases.Ping(ctx); err != nil {
		report.KV = err.Error()
		report.Healthy = false
	} else {
		report.KV = "ok"
	}
	if err := d.stats.Ping(ctx); err != nil {
		report.DB = err.Error()
		report.Healthy = false
	} else {
		report.DB = "ok"
	}
	return report
}

// release best-effort releases a lease, logging but swallowing failures:
// callers are already on an error/cleanup path and a release failure just
// means the lease lingers until its TTL, which is an accepted outcome.
func (d *Dispatcher) release(ctx context.Context, taskID, agentID int64, log *slog.Logger) {
	if _, err := d.leases.ReleaseLease(ctx, taskID, agentID); err != nil {
		log.Error("release_lease failed", slog.String("error", err.Error()))
	}
}

func isTransientUpstream(err error) bool {
	var unavailable *domain.UnavailableError
	return errors.As(err, &unavailable)
}
