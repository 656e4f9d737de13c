package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Machine pool metrics
	MachinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_machines_total",
			Help: "Number of analysis machines by state",
		},
		[]string{"state"},
	)

	MachinesDisabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_machines_disabled",
			Help: "Number of disabled analysis machines",
		},
	)

	MachinesLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_machines_locked",
			Help: "Number of machines currently locked by a task",
		},
	)

	// Machinery manager metrics
	MachineryActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_machinery_actions_total",
			Help: "Total number of machinery actions by action and result",
		},
		[]string{"action", "result"},
	)

	MachineryActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_machinery_action_duration_seconds",
			Help:    "Time from action pickup to verified state in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 300},
		},
		[]string{"action"},
	)

	MachineryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_machinery_queue_depth",
			Help: "Number of actions waiting in the machinery work queue",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_tasks_total",
			Help: "Total number of tasks by terminal state",
		},
		[]string{"state"},
	)

	TaskFlowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_taskflows_active",
			Help: "Number of task flows currently running",
		},
	)

	// Result server metrics
	ResultConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_result_connections_total",
			Help: "Total number of accepted result server connections",
		},
	)

	ResultBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_result_bytes_total",
			Help: "Total bytes written by the result server by protocol",
		},
		[]string{"protocol"},
	)

	ResultUploadsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_result_uploads_aborted_total",
			Help: "Total number of aborted uploads by reason",
		},
		[]string{"reason"},
	)

	// Event stream metrics
	EventsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_events_emitted_total",
			Help: "Total number of events published on the node event stream",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MachinesTotal)
	prometheus.MustRegister(MachinesDisabled)
	prometheus.MustRegister(MachinesLocked)
	prometheus.MustRegister(MachineryActionsTotal)
	prometheus.MustRegister(MachineryActionDuration)
	prometheus.MustRegister(MachineryQueueDepth)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskFlowsActive)
	prometheus.MustRegister(ResultConnectionsTotal)
	prometheus.MustRegister(ResultBytesTotal)
	prometheus.MustRegister(ResultUploadsAborted)
	prometheus.MustRegister(EventsEmitted)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
