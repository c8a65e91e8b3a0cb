package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rangectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rangectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rangectl",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Ranging sessions that reached the active stage.",
		},
		[]string{"method"},
	)
	sessionsStopped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rangectl",
			Subsystem: "session",
			Name:      "stopped_total",
			Help:      "Ranging sessions stopped, by reason and last stage reached.",
		},
		[]string{"method", "reason", "stage"},
	)
	sessionSetup = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rangectl",
			Subsystem: "session",
			Name:      "setup_duration_seconds",
			Help:      "Time from start request to active ranging.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)
	commandRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rangectl",
			Subsystem: "hci",
			Name:      "command_retries_total",
			Help:      "Controller command retries, by retry policy and opcode.",
		},
		[]string{"policy", "opcode"},
	)
	rangingResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rangectl",
			Subsystem: "session",
			Name:      "results_total",
			Help:      "Distance results delivered to callers.",
		},
		[]string{"method"},
	)
	rawProcedures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rangectl",
			Subsystem: "hal",
			Name:      "procedures_total",
			Help:      "Raw procedures forwarded to the accelerator.",
		},
		[]string{"aborted"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rangectl",
			Subsystem: "session",
			Name:      "live",
			Help:      "Sessions currently registered.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsStarted, sessionsStopped, sessionSetup,
			commandRetries, rangingResults, rawProcedures, activeSessions,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionStarted(method string, setup time.Duration) {
	RegisterMetrics()
	sessionsStarted.WithLabelValues(method).Inc()
	sessionSetup.WithLabelValues(method).Observe(setup.Seconds())
}

func RecordSessionStopped(method, reason, stage string) {
	RegisterMetrics()
	sessionsStopped.WithLabelValues(method, reason, stage).Inc()
}

func RecordCommandRetry(policy, opcode string) {
	RegisterMetrics()
	commandRetries.WithLabelValues(policy, opcode).Inc()
}

func RecordResult(method string) {
	RegisterMetrics()
	rangingResults.WithLabelValues(method).Inc()
}

func RecordRawProcedure(aborted bool) {
	RegisterMetrics()
	rawProcedures.WithLabelValues(strconv.FormatBool(aborted)).Inc()
}

func SetLiveSessions(n int) {
	RegisterMetrics()
	activeSessions.Set(float64(n))
}
