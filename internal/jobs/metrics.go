package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the job queue.
type Metrics struct {
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsAborted   *prometheus.CounterVec
	JobsRejected  prometheus.Counter
	JobDuration   *prometheus.HistogramVec
	QueueBusy     prometheus.Gauge
	LastHeartbeat prometheus.Gauge
}

// NewMetrics registers the queue instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest_lab",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total jobs accepted by the queue",
		}, []string{"kind"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest_lab",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total jobs that finished successfully",
		}, []string{"kind"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest_lab",
			Subsystem: "jobs",
			Name:      "failed_total",
			Help:      "Total jobs that ended in failure",
		}, []string{"kind"}),
		JobsAborted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest_lab",
			Subsystem: "jobs",
			Name:      "aborted_total",
			Help:      "Total jobs aborted by request",
		}, []string{"kind"}),
		JobsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest_lab",
			Subsystem: "jobs",
			Name:      "rejected_total",
			Help:      "Enqueue attempts refused because the queue was busy",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "backtest_lab",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of finished jobs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		QueueBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "backtest_lab",
			Subsystem: "jobs",
			Name:      "busy",
			Help:      "1 while a job is running, 0 when idle",
		}),
		LastHeartbeat: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "backtest_lab",
			Subsystem: "jobs",
			Name:      "last_heartbeat_unix_seconds",
			Help:      "Unix time of the running job's last heartbeat",
		}),
	}
}
