package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cerebrate",
			Name:      "admin_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cerebrate",
			Name:      "admin_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Transport ----
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cerebrate",
			Name:      "active_connections",
			Help:      "TCP sessions currently being serviced.",
		},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cerebrate",
			Name:      "sessions_total",
			Help:      "Closed TCP sessions by close reason.",
		},
		[]string{"reason"},
	)

	DatagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cerebrate",
			Name:      "datagrams_total",
			Help:      "UDP datagrams by direction.",
		},
		[]string{"direction"},
	)

	// ---- Coordination ----
	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cerebrate",
			Name:      "messages_dispatched_total",
			Help:      "Inbound messages dispatched, by command and result.",
		},
		[]string{"command", "result"},
	)

	MergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cerebrate",
			Name:      "merges_total",
			Help:      "Replicated entries merged, by kind (record|resource) and result (accepted|stale).",
		},
		[]string{"kind", "result"},
	)

	DesignationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cerebrate",
			Name:      "designations_total",
			Help:      "Overmind role changes applied to the local view.",
		},
	)

	// ---- Task queue / lifecycle ----
	TaskQueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cerebrate",
			Name:      "task_queue_pending",
			Help:      "Tasks enqueued but not yet submitted.",
		},
	)

	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cerebrate",
			Name:      "tasks_submitted_total",
			Help:      "Tasks started by the queue driver.",
		},
	)

	LifecycleState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cerebrate",
			Name:      "lifecycle_state",
			Help:      "Current lifecycle state (0 initializing, 1 listening, 2 coordinating, 3 terminating).",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cerebrate",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "cerebrate",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration,
		ActiveConnections, SessionsTotal, DatagramsTotal,
		MessagesDispatched, MergesTotal, DesignationsTotal,
		TaskQueuePending, TasksSubmitted, LifecycleState,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
