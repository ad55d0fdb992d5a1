package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"kind"},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"kind", "status"},
	)

	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_claimed_total",
			Help: "Total number of task leases granted",
		},
		[]string{"kind"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of task results recorded",
		},
		[]string{"kind", "outcome"},
	)
	TasksRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_requeued_total",
			Help: "Total number of retryable task requeues",
		},
		[]string{"reason"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task execution duration from claim to result",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leases_reclaimed_total",
			Help: "Total number of expired leases returned to pending",
		},
	)
	WorkersReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_ready",
			Help: "Number of workers currently registered with the router",
		},
	)
	TasksInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_inflight",
			Help: "Number of leased tasks currently executing",
		},
	)

	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_waits_total",
			Help: "Rate limiter wait outcomes per account",
		},
		[]string{"account", "outcome"},
	)
	CooldownsEngaged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cooldowns_engaged_total",
			Help: "Soft-block cooldowns engaged per account",
		},
		[]string{"account"},
	)
)

// InitMetrics registers all Prometheus instruments once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(TasksClaimedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksRequeuedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(LeasesReclaimedTotal)
	prometheus.MustRegister(WorkersReady)
	prometheus.MustRegister(TasksInflight)
	prometheus.MustRegister(RateLimitWaits)
	prometheus.MustRegister(CooldownsEngaged)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
