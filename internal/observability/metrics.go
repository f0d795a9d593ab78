package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "concierge"

type moduleMetrics struct {
	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  prometheus.Gauge
	stepTotal   *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	rateLimitDenied       *prometheus.CounterVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelRetriesTotal *prometheus.CounterVec

	sessionLoadDuration *prometheus.HistogramVec
	sessionSaveDuration *prometheus.HistogramVec
	sessionErrorsTotal  *prometheus.CounterVec
	sessionsPruned      prometheus.Counter

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	gatewayRequests  *prometheus.CounterVec
	gatewayThrottled prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "run_total",
					Help:      "Total orchestrator runs by terminal status.",
				},
				[]string{"status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "run_duration_seconds",
					Help:      "Orchestrator run duration in seconds by terminal status.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			runsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "runs_active",
					Help:      "Runs currently executing.",
				},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "step_total",
					Help:      "Total trace steps emitted by type.",
				},
				[]string{"type"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool dispatches by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool dispatch duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Total tool dispatch errors by tool and kind.",
				},
				[]string{"tool", "kind"},
			),
			rateLimitDenied: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rate_limit_denied_total",
					Help:      "Tool calls denied by the rate limiter.",
				},
				[]string{"tool"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_call_total",
					Help:      "Total language model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Language model call duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			modelRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_retries_total",
					Help:      "Retried language model calls by provider.",
				},
				[]string{"provider"},
			),
			sessionLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session load duration in seconds by backend.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_save_duration_seconds",
					Help:      "Session save duration in seconds by backend.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_errors_total",
					Help:      "Session store failures by backend and operation.",
				},
				[]string{"backend", "op"},
			),
			sessionsPruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_pruned_total",
					Help:      "Sessions removed by the retention job.",
				},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total completed queue tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queued task duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			gatewayRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_requests_total",
					Help:      "Gateway requests by route and response code.",
				},
				[]string{"route", "code"},
			),
			gatewayThrottled: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_throttled_total",
					Help:      "Gateway requests rejected by the ingress limiter.",
				},
			),
		}

		prometheus.MustRegister(
			m.runTotal,
			m.runDuration,
			m.runsActive,
			m.stepTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.rateLimitDenied,
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelRetriesTotal,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.sessionErrorsTotal,
			m.sessionsPruned,
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.gatewayRequests,
			m.gatewayThrottled,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRunStart marks a run as active. Pair with RecordRunEnd.
func RecordRunStart() {
	getMetrics().runsActive.Inc()
}

func RecordRunEnd(status string, duration time.Duration) {
	m := getMetrics()
	m.runsActive.Dec()
	m.runTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordStep(stepType string) {
	getMetrics().stepTotal.WithLabelValues(stepType).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolError counts a failed dispatch; kind is one of unknown_tool,
// invalid_arguments, execution, approval_required.
func RecordToolError(tool, kind string) {
	getMetrics().toolErrorsTotal.WithLabelValues(tool, kind).Inc()
}

func RecordRateLimitDenied(tool string) {
	getMetrics().rateLimitDenied.WithLabelValues(tool).Inc()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordModelRetry(provider string) {
	getMetrics().modelRetriesTotal.WithLabelValues(provider).Inc()
}

func RecordSessionLoad(backend string, duration time.Duration) {
	getMetrics().sessionLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSessionSave(backend string, duration time.Duration) {
	getMetrics().sessionSaveDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSessionError(backend, op string) {
	getMetrics().sessionErrorsTotal.WithLabelValues(backend, op).Inc()
}

func RecordSessionsPruned(count int) {
	getMetrics().sessionsPruned.Add(float64(count))
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordGatewayRequest(route string, code int) {
	getMetrics().gatewayRequests.WithLabelValues(route, httpCode(code)).Inc()
}

func RecordGatewayThrottled() {
	getMetrics().gatewayThrottled.Inc()
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
