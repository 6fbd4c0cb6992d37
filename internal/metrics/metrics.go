package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loop_http_requests_total",
			Help: "Total number of HTTP requests to the controller.",
		},
		[]string{"method", "path", "status"},
	)
	commandsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loop_commands_executed_total",
			Help: "Commands executed against the pump by kind and result.",
		},
		[]string{"kind", "result"},
	)
	commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loop_command_duration_seconds",
			Help:    "Pump command execution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loop_queue_depth",
			Help: "Commands waiting in the pump queue.",
		},
	)
	connectionTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loop_connection_timeouts_total",
			Help: "Connection attempts that exceeded the maximum connection time.",
		},
	)
	watchdogBarks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loop_watchdog_barks_total",
			Help: "Transport adapter power cycles triggered by the watchdog.",
		},
	)
	loopRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loop_executor_runs_total",
			Help: "Executor loop runs by outcome.",
		},
		[]string{"outcome"},
	)
	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loop_dosing_decisions_total",
			Help: "Dosing decisions by outcome.",
		},
		[]string{"outcome"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, commandsExecuted, commandLatency, queueDepth, connectionTimeouts, watchdogBarks, loopRuns, decisions)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument counts requests served by next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(lrw.statusCode)).Inc()
	})
}

func ObserveCommand(kind string, ok bool, d time.Duration) {
	result := "failed"
	if ok {
		result = "completed"
	}
	commandsExecuted.WithLabelValues(kind, result).Inc()
	commandLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func IncConnectionTimeout() {
	connectionTimeouts.Inc()
}

func IncWatchdogBark() {
	watchdogBarks.Inc()
}

func ObserveRun(outcome string) {
	loopRuns.WithLabelValues(outcome).Inc()
}

func ObserveDecision(outcome string) {
	decisions.WithLabelValues(outcome).Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
