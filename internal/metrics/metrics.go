package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RunsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freightwatch_runs_started_total",
			Help: "Total number of workflow runs started.",
		},
	)

	RunsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freightwatch_runs_finished_total",
			Help: "Total number of workflow runs finished, by terminal state.",
		},
		[]string{"state"}, // idle, done, failed, cancelled
	)

	ActivityAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freightwatch_activity_attempts_total",
			Help: "Total number of activity attempts, by activity and outcome.",
		},
		[]string{"activity", "outcome"}, // success, retryable_failure, terminal_failure
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freightwatch_retries_total",
			Help: "Total number of activity retries scheduled, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freightwatch_notifications_sent_total",
			Help: "Total number of notifications accepted for delivery, by channel.",
		},
		[]string{"channel"},
	)

	DeterminismViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freightwatch_determinism_violations_total",
			Help: "Total number of runs halted because replay diverged from history.",
		},
	)

	TaskBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "freightwatch_task_backlog",
			Help: "Depth of the worker channel on the activity tasks topic.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "freightwatch_queue_depth",
			Help: "Depth of each NSQ topic/channel pair.",
		},
		[]string{"topic", "channel"},
	)

	ActivityDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freightwatch_activity_duration_seconds",
			Help:    "Wall-clock duration of activity attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"activity"},
	)
)

// MustRegister registers all freightwatch collectors on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		RunsStartedTotal,
		RunsFinishedTotal,
		ActivityAttemptsTotal,
		RetriesTotal,
		NotificationsSentTotal,
		DeterminismViolationsTotal,
		TaskBacklog,
		QueueDepth,
		ActivityDurationSeconds,
	)
}

// UpdateTaskBacklog sets the current worker backlog depth.
func UpdateTaskBacklog(depth float64) {
	TaskBacklog.Set(depth)
}

// UpdateQueueDepth sets the depth for one topic/channel pair.
func UpdateQueueDepth(topic, channel string, depth float64) {
	QueueDepth.WithLabelValues(topic, channel).Set(depth)
}

// RecordAttempt records one activity attempt outcome.
func RecordAttempt(activity, outcome string, d time.Duration) {
	ActivityAttemptsTotal.WithLabelValues(activity, outcome).Inc()
	if d > 0 {
		ActivityDurationSeconds.WithLabelValues(activity).Observe(d.Seconds())
	}
}

// RecordRetry records a retry being scheduled for the given failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordRunFinished records a run reaching a terminal state.
func RecordRunFinished(state string) {
	RunsFinishedTotal.WithLabelValues(state).Inc()
}
