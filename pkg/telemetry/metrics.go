package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "dispatcher",
		Name:      "requests_total",
		Help:      "Total request_task calls, labelled by outcome (assigned, empty, error).",
	}, []string{"outcome"})

	DispatcherSubmitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "dispatcher",
		Name:      "submits_total",
		Help:      "Total submit_transcription calls, labelled by outcome.",
	}, []string{"outcome"})

	DispatcherSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "dispatcher",
		Name:      "skips_total",
		Help:      "Total skip_task calls, labelled by outcome.",
	}, []string{"outcome"})

	DispatcherOperationDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "dispatcher",
		Name:      "operation_duration_seconds",
		Help:      "Latency of dispatcher operations.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"operation"})

	// ─── Assignment Queue ────────────────────────────────────────────────────────

	QueueAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Subsystem: "queue",
		Name:      "available",
		Help:      "Tasks currently assignable (unlabeled and not under lease).",
	})

	QueueTotalUnlabeled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Subsystem: "queue",
		Name:      "total_unlabeled",
		Help:      "Tasks the upstream store currently reports as unlabeled.",
	})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Total reconciler ticks, labelled by outcome.",
	}, []string{"outcome"})

	ReconcileAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "reconciler",
		Name:      "tasks_added_total",
		Help:      "Tasks added to the queue across all reconciliations.",
	})

	ReconcileRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "reconciler",
		Name:      "tasks_removed_total",
		Help:      "Tasks removed from the queue across all reconciliations.",
	})

	// ─── Upstream Client ─────────────────────────────────────────────────────────

	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Total upstream HTTP calls, labelled by operation and outcome.",
	}, []string{"operation", "outcome"})

	UpstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "upstream",
		Name:      "retries_total",
		Help:      "Total retry attempts against the upstream store.",
	}, []string{"operation"})

	// ─── Audio Streamer ──────────────────────────────────────────────────────────

	StreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "audio",
		Name:      "stream_requests_total",
		Help:      "Total audio stream requests, labelled by status code.",
	}, []string{"status"})

	StreamBytesServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "audio",
		Name:      "bytes_served_total",
		Help:      "Total audio bytes served to agents.",
	})
)
