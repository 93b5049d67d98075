package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize   prometheus.Gauge
	submitTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram

	decideDuration   *prometheus.HistogramVec
	reasonerErrors   *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	memoryOpsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "input_queue_size",
					Help: "Buffered envelopes waiting for the runtime worker.",
				},
			),
			submitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "input_queue_submit_total",
					Help: "Submit attempts by outcome (accepted, handoff, invalid, full, closed).",
				},
				[]string{"status"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool pipeline duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool failures by tool and error code.",
				},
				[]string{"tool", "code"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runtime_turn_total",
					Help: "Completed runtime turns by terminal state.",
				},
				[]string{"state"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "runtime_turn_duration_seconds",
					Help:    "Runtime turn duration in seconds.",
					Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
			),
			decideDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "reasoner_decide_duration_seconds",
					Help:    "Reasoner decide latency in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			reasonerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reasoner_errors_total",
					Help: "Total reasoner failures by provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current persisted session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryOpsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_ops_total",
					Help: "Memory store operations by op (read, write) and status.",
				},
				[]string{"op", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.submitTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.turnTotal,
			m.turnDuration,
			m.decideDuration,
			m.reasonerErrors,
			m.providerCooldown,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.memoryOpsTotal,
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

func SetQueueSize(size int) {
	getMetrics().queueSize.Set(float64(size))
}

func RecordQueueSubmit(status string, size int) {
	m := getMetrics()
	m.submitTotal.WithLabelValues(status).Inc()
	m.queueSize.Set(float64(size))
}

func RecordToolExecution(tool string, duration time.Duration, success bool, code string) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool, code).Inc()
	}
}

func RecordTurn(state string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(state).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordDecide(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.decideDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.reasonerErrors.WithLabelValues(provider).Inc()
	}
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordMemoryOp(op string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().memoryOpsTotal.WithLabelValues(op, status).Inc()
}
