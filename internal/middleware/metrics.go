package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upstream metrics
	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campus_bot_upstream_request_duration_seconds",
		Help:    "Duration of upstream generation requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campus_bot_upstream_requests_total",
		Help: "Total number of upstream generation requests",
	}, []string{"model", "status"})

	modelSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campus_bot_model_skips_total",
		Help: "Models skipped because they were cooling down or removed",
	}, []string{"reason"})

	// Link metrics
	linkVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campus_bot_link_verifications_total",
		Help: "Link verifications by outcome",
	}, []string{"outcome"})

	// Query metrics
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campus_bot_queries_total",
		Help: "Answered queries by status tag",
	}, []string{"status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campus_bot_http_request_duration_seconds",
		Help:    "Duration of query service HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campus_bot_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campus_bot_cache_misses_total",
		Help: "Total number of cache misses",
	})

	// Bot metrics
	botMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campus_bot_messages_total",
		Help: "Chat updates handled by kind and outcome",
	}, []string{"kind", "outcome"})

	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campus_bot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	})
)

// Metrics provides methods to record metrics. A nil *Metrics is usable.
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordUpstreamRequest records one upstream generation attempt
func (m *Metrics) RecordUpstreamRequest(model, status string, duration time.Duration) {
	upstreamRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	upstreamRequestsTotal.WithLabelValues(model, status).Inc()
}

func (m *Metrics) RecordModelSkip(reason string) {
	modelSkips.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLinkVerification(outcome string) {
	linkVerifications.WithLabelValues(outcome).Inc()
}

// RecordQuery records a query by its status tag
func (m *Metrics) RecordQuery(status string) {
	queriesTotal.WithLabelValues(status).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordBotMessage records a handled chat update
func (m *Metrics) RecordBotMessage(kind, outcome string) {
	botMessages.WithLabelValues(kind, outcome).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler is a mux middleware timing every request by route template.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		httpRequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}

// RegisterMetricsRoutes mounts the metrics and health endpoints on router.
func RegisterMetricsRoutes(router *mux.Router, path string) {
	if path == "" {
		path = "/metrics"
	}
	router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
}

// NewMetricsServer builds a standalone metrics HTTP server
func NewMetricsServer(port int, path string) *http.Server {
	router := mux.NewRouter()
	RegisterMetricsRoutes(router, path)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
