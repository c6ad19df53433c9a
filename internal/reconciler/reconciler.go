// Package reconciler implements C7: the periodic re-pull from upstream
// that keeps the Assignment Queue's view of unlabeled tasks current.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/queue"
	"github.com/ramiqadoumi/audio-task-dispatch/internal/upstream"
	"github.com/ramiqadoumi/audio-task-dispatch/pkg/telemetry"
)

// Reconciler runs Tick on a fixed interval until its context is cancelled.
type Reconciler struct {
	upstream upstream.Client
	queue    queue.Queue
	interval time.Duration
	logger   *slog.Logger
}

// New wires the upstream client and assignment queue into a Reconciler
// that ticks every interval.
func New(up upstream.Client, q queue.Queue, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{upstream: up, queue: q, interval: interval, logger: logger}
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.Tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one reconciliation pass. A failure to reach upstream skips
// the tick entirely — CachedCounters are left at their previous value and
// the failure is logged, per §4.7.
func (r *Reconciler) Tick(ctx context.Context) {
	ids, err := r.upstream.ListUnlabeledTaskIDs(ctx)
	if err != nil {
		r.logger.Error("reconciler tick: list_unlabeled_task_ids failed", slog.String("error", err.Error()))
		telemetry.ReconcileTotal.WithLabelValues("error").Inc()
		return
	}

	added, removed, err := r.queue.Reconcile(ctx, ids)
	if err != nil {
		r.logger.Error("reconciler tick: reconcile failed", slog.String("error", err.Error()))
		telemetry.ReconcileTotal.WithLabelValues("error").Inc()
		return
	}

	telemetry.ReconcileTotal.WithLabelValues("ok").Inc()
	telemetry.ReconcileAddedTotal.Add(float64(added))
	telemetry.ReconcileRemovedTotal.Add(float64(removed))
	counters := r.queue.Counters()
	telemetry.QueueAvailable.Set(float64(counters.Available))
	telemetry.QueueTotalUnlabeled.Set(float64(counters.TotalUnlabeled))

	if added > 0 || removed > 0 {
		r.logger.Info("reconciler tick",
			slog.Int("added", added),
			slog.Int("removed", removed),
			slog.Int("total_unlabeled", counters.TotalUnlabeled),
			slog.Int("available", counters.Available),
		)
	}
}
