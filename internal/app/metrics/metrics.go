package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sms_gateway"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smpp",
			Name:      "session_state",
			Help:      "1 for the current SMPP session state, 0 otherwise.",
		},
		[]string{"state"},
	)

	sessionFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smpp",
			Name:      "consecutive_failures",
			Help:      "Consecutive session failures since the last successful bind.",
		},
	)

	sessionReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smpp",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a session loss.",
		},
	)

	submitResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smpp",
			Name:      "submit_results_total",
			Help:      "submit_sm outcomes by classification.",
		},
		[]string{"result"},
	)

	submitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "smpp",
			Name:      "submit_response_seconds",
			Help:      "Time from submit_sm write to submit_sm_resp.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Envelopes waiting in the outbound queue.",
		},
	)

	queueOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "overflow_total",
			Help:      "Envelopes evicted because the outbound queue was full.",
		},
	)

	receipts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "receipts_total",
			Help:      "Delivery receipts by correlation outcome.",
		},
		[]string{"outcome"},
	)

	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "resolutions_total",
			Help:      "Messages reaching a terminal status by status and cause.",
		},
		[]string{"status", "cause"},
	)

	ledgerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "storage_conflicts_total",
			Help:      "Storage conflicts retried by the reconciler.",
		},
	)

	ledgerAlarms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "alarms_total",
			Help:      "Reconciliation operations abandoned after exhausting conflict retries.",
		},
		[]string{"operation"},
	)

	recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "recovered_messages_total",
			Help:      "Stale messages resolved by the recovery sweep.",
		},
		[]string{"status"},
	)
)

// Session states exported by SetSessionState.
var sessionStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "BINDING", "BOUND", "UNBINDING"}

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sessionState,
		sessionFailures,
		sessionReconnects,
		submitResults,
		submitLatency,
		queueDepth,
		queueOverflows,
		receipts,
		resolutions,
		ledgerConflicts,
		ledgerAlarms,
		recoveries,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetSessionState marks state as the current session state.
func SetSessionState(state string) {
	for _, s := range sessionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		sessionState.WithLabelValues(s).Set(value)
	}
}

// SetSessionFailures publishes the consecutive failure count.
func SetSessionFailures(n int) {
	sessionFailures.Set(float64(n))
}

// RecordReconnect counts a scheduled reconnect.
func RecordReconnect() {
	sessionReconnects.Inc()
}

// RecordSubmit records a submit outcome: accepted, transient, permanent or unknown.
func RecordSubmit(result string, latency time.Duration) {
	submitResults.WithLabelValues(result).Inc()
	if latency > 0 {
		submitLatency.Observe(latency.Seconds())
	}
}

// SetQueueDepth publishes the outbound queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordQueueOverflow counts an evicted envelope.
func RecordQueueOverflow() {
	queueOverflows.Inc()
}

// RecordReceipt counts a receipt by outcome: matched, unmatched, duplicate, interim or held.
func RecordReceipt(outcome string) {
	receipts.WithLabelValues(outcome).Inc()
}

// RecordResolution counts a terminal transition.
func RecordResolution(status, cause string) {
	if cause == "" {
		cause = "unknown"
	}
	resolutions.WithLabelValues(status, cause).Inc()
}

// RecordLedgerConflict counts a retried storage conflict.
func RecordLedgerConflict() {
	ledgerConflicts.Inc()
}

// RecordLedgerAlarm counts an operation abandoned after conflict retries.
func RecordLedgerAlarm(operation string) {
	ledgerAlarms.WithLabelValues(operation).Inc()
}

// RecordRecovery counts messages resolved by a recovery sweep.
func RecordRecovery(status string, n int) {
	if n > 0 {
		recoveries.WithLabelValues(status).Add(float64(n))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" || len(parts) == 1 {
		return "/" + parts[0]
	}
	switch {
	case parts[1] == "messages" && len(parts) > 2:
		return "/v1/messages/:id"
	case parts[1] == "events" && len(parts) > 2:
		return "/v1/events/" + parts[2]
	default:
		return "/v1/" + parts[1]
	}
}
