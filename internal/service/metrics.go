package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ifuryst/ripple-publish/internal/models"
)

// Metrics exposes engine counters to Prometheus. It is fed by the event bus
// and by the scheduler for in-flight work.
type Metrics struct {
	transitions     *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec
	execDuration    *prometheus.HistogramVec
	lateResults     prometheus.Counter
	inFlight        prometheus.Gauge
	pollDuration    prometheus.Histogram
	polledTasks     prometheus.Counter
	tasksByStatus   *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "publishing_task_transitions_total",
			Help: "Task state transitions by resulting event and platform",
		}, []string{"event", "platform"}),
		quotaRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "publishing_quota_rejections_total",
			Help: "Claims rejected because the tenant had no quota left",
		}, []string{"platform"}),
		execDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "publishing_execution_duration_seconds",
			Help:    "Adapter execution time by outcome",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"platform", "outcome"}),
		lateResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "publishing_late_adapter_results_total",
			Help: "Adapter results that arrived after the task was cancelled or timed out",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "publishing_tasks_in_flight",
			Help: "Tasks currently executing in this process",
		}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "publishing_scheduler_poll_duration_seconds",
			Help:    "Time spent selecting eligible tasks",
			Buckets: prometheus.DefBuckets,
		}),
		polledTasks: factory.NewCounter(prometheus.CounterOpts{
			Name: "publishing_scheduler_selected_tasks_total",
			Help: "Eligible tasks returned by scheduler polls",
		}),
		tasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "publishing_tasks",
			Help: "Tasks in the store by status",
		}, []string{"status"}),
	}
}

// Observe is an event bus subscriber.
func (m *Metrics) Observe(e Event) {
	switch e.Type {
	case EventQuotaRejected:
		m.quotaRejections.WithLabelValues(e.PlatformID).Inc()
		return
	case EventLateAdapterResult:
		m.lateResults.Inc()
		return
	}

	m.transitions.WithLabelValues(string(e.Type), e.PlatformID).Inc()
	if e.Duration > 0 {
		m.execDuration.WithLabelValues(e.PlatformID, string(e.Status)).Observe(e.Duration.Seconds())
	}
}

func (m *Metrics) trackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *Metrics) observePoll(d time.Duration, selected int) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
	m.polledTasks.Add(float64(selected))
}

// SetTaskCounts replaces the per-status task gauges. Statuses missing from
// counts are reported as zero.
func (m *Metrics) SetTaskCounts(counts map[models.TaskStatus]int64) {
	if m == nil {
		return
	}
	for _, status := range []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusRunning,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
		models.TaskStatusTimeout,
	} {
		m.tasksByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
