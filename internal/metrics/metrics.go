// Package metrics holds the coordinator's Prometheus instrumentation,
// merged from orchestrator-go/internal/metrics and gateway-go/metrics
// into one registry namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts tasks by terminal status.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "tasks_total",
			Help:      "Total number of tasks by terminal status",
		},
		[]string{"status"}, // "completed", "partial", "failed", "timed_out", "cancelled"
	)

	// TasksActive tracks tasks currently in flight.
	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "tasks_active",
			Help:      "Number of tasks currently in flight",
		},
	)

	// TaskDuration tracks task wall-clock duration by terminal status.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "task_duration_seconds",
			Help:      "Task duration in seconds, from submission to terminal status",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	// SubtasksTotal is registered for subtask dispatch outcomes; no
	// component increments it, so it always reads zero.
	SubtasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "subtasks_total",
			Help:      "Total number of subtasks dispatched by outcome",
		},
		[]string{"outcome"}, // "succeeded", "failed", "reassigned"
	)

	// SelectionDuration tracks node-selection latency.
	SelectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "selection_duration_seconds",
			Help:      "Time spent selecting a node for a subtask",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SelectionFailuresTotal counts selection attempts that found no
	// eligible node.
	SelectionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "selection_failures_total",
			Help:      "Total number of selection attempts with no eligible node",
		},
	)

	// RegistrySize tracks the number of known nodes by online state.
	RegistrySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "registry_size",
			Help:      "Number of known nodes by online state",
		},
		[]string{"state"}, // "online", "offline"
	)

	// ReputationDelta tracks the magnitude of reputation adjustments.
	ReputationDelta = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "reputation_delta",
			Help:      "Magnitude of reputation score adjustments",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// StreamFramesTotal counts stream frames by kind.
	StreamFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "stream_frames_total",
			Help:      "Total number of stream frames pushed",
		},
		[]string{"kind"},
	)

	// StreamFramesDroppedTotal counts frames dropped on a Stream's buffer
	// overflow or because a subscriber's channel was full.
	StreamFramesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "stream_frames_dropped_total",
			Help:      "Total number of stream frames dropped due to buffer overflow or a full subscriber channel",
		},
	)

	// WorkerConnectionsActive tracks active worker WebSocket connections.
	WorkerConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "worker_connections_active",
			Help:      "Number of active worker WebSocket connections",
		},
	)

	// SSEConnectionsActive tracks active task-stream SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "sse_connections_active",
			Help:      "Number of active task-stream SSE connections",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, normalized path,
	// and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency by method and
	// normalized path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StoreOperations counts task-store operations by outcome.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "store_operations_total",
			Help:      "Total number of task store operations",
		},
		[]string{"operation", "result"}, // operation: create, get, update; result: success, error
	)

	// AttachmentOperations counts attachment-store operations by outcome.
	AttachmentOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "coordinator",
			Name:      "attachment_operations_total",
			Help:      "Total number of attachment store operations",
		},
		[]string{"operation", "result"}, // operation: put, presign_put, presign_get, get, delete; result: success, error
	)
)
