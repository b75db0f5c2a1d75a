// Package metrics provides Prometheus metrics for churnwatch (RED + detection + tasks + WebSocket).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "churnwatch"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// DBQueryDurationSeconds is repository query latency by operation.
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)

	// DetectionsTotal counts anomaly detections by outcome (normal, anomaly, unavailable, error).
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Total number of anomaly detections by outcome.",
		},
		[]string{"outcome"},
	)

	// AnomalyScore observes decision scores; negative is anomalous.
	AnomalyScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Isolation forest decision scores.",
			Buckets:   prometheus.LinearBuckets(-0.5, 0.1, 11),
		},
	)

	// ModelFitDurationSeconds is the outlier model fit latency.
	ModelFitDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_fit_duration_seconds",
			Help:      "Outlier model fit duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	// ModelSamples is the number of vectors the current model was fitted on.
	ModelSamples = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_samples",
			Help:      "Number of training vectors behind the fitted outlier model.",
		},
	)

	// AlertsCreatedTotal counts persisted anomaly alerts by type and severity.
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_alerts_created_total",
			Help:      "Total number of anomaly alerts created.",
		},
		[]string{"type", "severity"},
	)

	// AlertsSuppressedTotal counts alerts dropped by the cooldown.
	AlertsSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_alerts_suppressed_total",
			Help:      "Total number of anomaly alerts suppressed by the cooldown window.",
		},
	)

	// ChurnAlertsCreatedTotal counts churn rule alerts by type.
	ChurnAlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "churn_alerts_created_total",
			Help:      "Total number of churn rule alerts created.",
		},
		[]string{"type"},
	)

	// WatchlistAdmissionsTotal counts watchlist admissions by risk level.
	WatchlistAdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchlist_admissions_total",
			Help:      "Total number of watchlist admissions by risk level.",
		},
		[]string{"risk_level"},
	)

	// TasksTotal counts finished tasks by name and result (ok, fatal, exhausted, dropped).
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of finished background tasks by name and result.",
		},
		[]string{"task", "result"},
	)

	// TaskRetriesTotal counts re-queued task attempts.
	TaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retries.",
		},
		[]string{"task"},
	)

	// TaskQueueDepth is the number of tasks waiting for a worker.
	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Number of queued background tasks.",
		},
	)

	// CleanupDeletedTotal counts rows removed by the retention sweep.
	CleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Total number of rows deleted by the retention sweep.",
		},
		[]string{"kind"},
	)

	// NotificationsTotal counts notification deliveries by channel type and result.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification deliveries.",
		},
		[]string{"channel", "result"},
	)

	// WebSocketConnectionsActive is current number of WebSocket clients (capacity planning).
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Number of active WebSocket connections.",
		},
	)
)
