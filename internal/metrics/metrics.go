// Package metrics holds the Prometheus collectors for the lifecycle engine
// and its HTTP surface.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bitloss"

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

	decayApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "decay_applications_total",
			Help:      "Artifacts decayed by feed fetches.",
		},
	)

	deaths = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "deaths_total",
			Help:      "Artifacts moved from active to destroyed.",
		},
	)

	secretsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "secrets_purged_total",
			Help:      "Secrets deleted after integrity fell below the purge threshold.",
		},
	)

	ledgerGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "grants_total",
			Help:      "Balance changes applied, by entry kind.",
		},
		[]string{"kind"},
	)

	reaperSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Completed reaper sweeps.",
		},
	)

	reaperArtifacts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "artifacts_total",
			Help:      "Destroyed artifacts handled by the reaper, by result.",
		},
		[]string{"result"},
	)

	reaperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reaper sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	corruptionJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "corruption",
			Name:      "jobs_total",
			Help:      "Corruption jobs processed, by result.",
		},
		[]string{"result"},
	)

	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retried calls to external collaborators.",
		},
		[]string{"target"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		decayApplied,
		deaths,
		secretsPurged,
		ledgerGrants,
		reaperSweeps,
		reaperArtifacts,
		reaperDuration,
		corruptionJobs,
		retries,
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

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordDecay counts one decayed artifact.
func RecordDecay() { decayApplied.Inc() }

// RecordDeath counts one active→destroyed transition.
func RecordDeath() { deaths.Inc() }

// RecordSecretPurge counts one deleted secret.
func RecordSecretPurge() { secretsPurged.Inc() }

// RecordGrant counts one applied ledger entry.
func RecordGrant(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	ledgerGrants.WithLabelValues(kind).Inc()
}

// RecordSweep records a finished reaper sweep and its per-artifact outcomes.
func RecordSweep(duration time.Duration, archived, failed int) {
	reaperSweeps.Inc()
	reaperDuration.Observe(duration.Seconds())
	reaperArtifacts.WithLabelValues("archived").Add(float64(archived))
	reaperArtifacts.WithLabelValues("failed").Add(float64(failed))
}

// RecordCorruptionJob counts a processed corruption job. result is one of
// "applied", "skipped" or "failed".
func RecordCorruptionJob(result string) {
	corruptionJobs.WithLabelValues(result).Inc()
}

// RecordRetry counts a retried call against target.
func RecordRetry(target string) {
	retries.WithLabelValues(target).Inc()
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

// Hijack lets websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// canonicalPath collapses per-artifact paths so labels stay bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] == "reveal" && len(parts) > 1 {
		return "/reveal/:id"
	}
	return "/" + parts[0]
}
