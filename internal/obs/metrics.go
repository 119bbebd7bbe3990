package obs

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics carry method, canonical path and status code.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "code"},
	)

	initOnce sync.Once
)

// Init registers HTTP and pipeline collectors in the default registry. Safe to
// call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			eventsIngested, exportBatches, exportEvents, freshnessLag, freshnessStatus,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records count, latency and in-flight requests per canonical path.
func Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(httpInFlight, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := prometheus.Labels{"path": CanonicalPath(r.URL.Path)}
		h := promhttp.InstrumentHandlerDuration(httpRequestDuration.MustCurryWith(path),
			promhttp.InstrumentHandlerCounter(httpRequestsTotal.MustCurryWith(path), next))
		h.ServeHTTP(w, r)
	}))
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return raw
	}
	switch {
	case parts[1] == "events" && len(parts) == 3:
		return "/v1/events/:uuid"
	case parts[1] == "consents" && len(parts) == 5:
		return "/v1/consents/:tenant/:user/:scope"
	case parts[1] == "consents" && len(parts) == 6 && parts[5] == "history":
		return "/v1/consents/:tenant/:user/:scope/history"
	case parts[1] == "exports" && len(parts) == 3:
		return "/v1/exports/:id"
	}
	return raw
}
