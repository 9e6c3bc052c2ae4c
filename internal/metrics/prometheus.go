package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ThreatsRecorded counts stored threat records by type and severity.
	ThreatsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsentry_threats_recorded_total",
			Help: "Total number of threat records created",
		},
		[]string{"threat_type", "severity"},
	)

	// AlertsFlushed counts alerts delivered by the batch flusher.
	AlertsFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsentry_alerts_flushed_total",
			Help: "Total number of threat alerts flushed",
		},
		[]string{"kind"},
	)

	// NotificationsDelivered counts notification hub deliveries.
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsentry_notifications_delivered_total",
			Help: "Total number of notifications delivered or parked",
		},
		[]string{"delivery"},
	)

	// ConnectedClients tracks open WebSocket connections.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelsentry_connected_clients",
			Help: "Current number of connected WebSocket clients",
		},
	)

	// RunningScans tracks scans currently executing.
	RunningScans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelsentry_running_scans",
			Help: "Current number of running scan jobs",
		},
	)

	// ScanDuration observes how long individual scans take.
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelsentry_scan_duration_seconds",
			Help:    "Time taken to scan a model file",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// WorkerErrors counts consecutive-error backoff trips in the scan worker.
	WorkerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelsentry_scan_worker_errors_total",
			Help: "Total number of scan worker errors",
		},
	)
)
