package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkflowMetrics captures execution and step outcomes.
type WorkflowMetrics interface {
	IncExecutionStarted(definition string)
	IncExecutionFinished(definition, state string)
	ObserveExecutionDuration(definition string, durationSeconds float64)
	IncStepAttempt(definition, step, outcome string)
}

// SchedulerMetrics captures what the scheduler hands to the engine.
type SchedulerMetrics interface {
	IncReady(kind string)
	SetSleeping(n float64)
}

// LiveMetrics captures live-connection registry activity.
type LiveMetrics interface {
	SetConnections(n float64)
	IncPush(event string, delivered bool)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncExecutionStarted(string)                     {}
func (Noop) IncExecutionFinished(string, string)            {}
func (Noop) ObserveExecutionDuration(string, float64)       {}
func (Noop) IncStepAttempt(string, string, string)          {}
func (Noop) IncReady(string)                                {}
func (Noop) SetSleeping(float64)                            {}
func (Noop) SetConnections(float64)                         {}
func (Noop) IncPush(string, bool)                           {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Workflow metrics ---

type workflowProm struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	steps    *prometheus.CounterVec
	once     sync.Once
}

// NewWorkflowProm registers workflow collectors under namespace.
func NewWorkflowProm(namespace string) WorkflowMetrics {
	w := &workflowProm{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions started by definition",
		}, []string{"definition"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions finished by definition and terminal state",
		}, []string{"definition", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock execution duration including sleeps",
			Buckets:   []float64{1, 10, 60, 600, 3600, 6 * 3600, 24 * 3600, 48 * 3600},
		}, []string{"definition"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts by definition, step and outcome",
		}, []string{"definition", "step", "outcome"}),
	}
	w.once.Do(func() {
		prometheus.MustRegister(w.started, w.finished, w.duration, w.steps)
	})
	return w
}

func (w *workflowProm) IncExecutionStarted(definition string) {
	w.started.WithLabelValues(definition).Inc()
}

func (w *workflowProm) IncExecutionFinished(definition, state string) {
	w.finished.WithLabelValues(definition, state).Inc()
}

func (w *workflowProm) ObserveExecutionDuration(definition string, durationSeconds float64) {
	w.duration.WithLabelValues(definition).Observe(durationSeconds)
}

func (w *workflowProm) IncStepAttempt(definition, step, outcome string) {
	w.steps.WithLabelValues(definition, step, outcome).Inc()
}

// --- Scheduler metrics ---

type schedulerProm struct {
	ready    *prometheus.CounterVec
	sleeping prometheus.Gauge
	once     sync.Once
}

func NewSchedulerProm(namespace string) SchedulerMetrics {
	s := &schedulerProm{
		ready: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ready_total",
			Help:      "Work items handed to the engine by kind (wake, cron, recover)",
		}, []string{"kind"}),
		sleeping: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_due_sleepers",
			Help:      "Sleeping executions found due on the last tick",
		}),
	}
	s.once.Do(func() {
		prometheus.MustRegister(s.ready, s.sleeping)
	})
	return s
}

func (s *schedulerProm) IncReady(kind string) {
	s.ready.WithLabelValues(kind).Inc()
}

func (s *schedulerProm) SetSleeping(n float64) {
	s.sleeping.Set(n)
}

// --- Live registry metrics ---

type liveProm struct {
	connections prometheus.Gauge
	pushes      *prometheus.CounterVec
	once        sync.Once
}

func NewLiveProm(namespace string) LiveMetrics {
	l := &liveProm{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Currently registered live-update channels",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_pushes_total",
			Help:      "Live pushes by event and delivery result",
		}, []string{"event", "delivered"}),
	}
	l.once.Do(func() {
		prometheus.MustRegister(l.connections, l.pushes)
	})
	return l
}

func (l *liveProm) SetConnections(n float64) {
	l.connections.Set(n)
}

func (l *liveProm) IncPush(event string, delivered bool) {
	label := "false"
	if delivered {
		label = "true"
	}
	l.pushes.WithLabelValues(event, label).Inc()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
