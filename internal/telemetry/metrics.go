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

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpumon",
			Name:      "probes_total",
			Help:      "Total number of liveness probes issued, by target and result.",
		},
		[]string{"target", "result"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gpumon",
			Name:      "probe_duration_seconds",
			Help:      "Latency of liveness probes.",
			// Covers 1ms .. ~4s, matching the per-probe timeout range.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"target"},
	)

	RoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpumon",
			Name:      "rounds_total",
			Help:      "Total number of completed monitoring rounds.",
		},
	)

	RoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gpumon",
			Name:      "round_duration_seconds",
			Help:      "Wall time of a full monitoring round.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpumon",
			Name:      "classifier_verdicts_total",
			Help:      "Isolation classifier outcomes, by verdict.",
		},
		[]string{"verdict"},
	)

	PeerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpumon",
			Name:      "peer_state",
			Help:      "Current health state per peer (0=unknown 1=alive 2=suspect 3=dead).",
		},
		[]string{"peer"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpumon",
			Name:      "events_total",
			Help:      "State-transition events emitted, by kind.",
		},
		[]string{"kind"},
	)

	SinkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpumon",
			Name:      "sink_errors_total",
			Help:      "Event deliveries dropped due to sink failures, by sink.",
		},
		[]string{"sink"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpumon",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gpumon",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpumon",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gpumon",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		ProbesTotal, ProbeDuration,
		RoundsTotal, RoundDuration,
		VerdictsTotal, PeerState,
		EventsTotal, SinkErrorsTotal,
		RequestsTotal, RequestDuration,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
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
// Example:
//
//	mux.Handle("/status", telemetry.Instrument("status", http.HandlerFunc(s.Status)))
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
