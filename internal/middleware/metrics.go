package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsa_guru_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"route", "method", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dsa_guru_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	// Message metrics
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsa_guru_messages_received_total",
		Help: "Total number of user messages received",
	}, []string{"mode", "source"})

	// Oracle metrics
	oracleRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dsa_guru_oracle_request_duration_seconds",
		Help:    "Duration of oracle requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "status"})

	oracleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsa_guru_oracle_requests_total",
		Help: "Total number of oracle requests",
	}, []string{"kind", "status"})

	// Challenge metrics
	judgments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsa_guru_challenge_judgments_total",
		Help: "Total number of challenge judgments",
	}, []string{"outcome"})

	challengeBalance = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dsa_guru_challenge_balance",
		Help:    "Player balance after each judgment",
		Buckets: prometheus.LinearBuckets(0, 5, 6),
	})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsa_guru_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsa_guru_cache_misses_total",
		Help: "Total number of cache misses",
	})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsa_guru_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"transport"})

	// Active sessions gauge
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dsa_guru_active_sessions",
		Help: "Number of live client sessions",
	})

	// Voice channels gauge
	voiceChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dsa_guru_voice_channels",
		Help: "Number of open voice channels",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(route, method string, code int, duration time.Duration) {
	httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordMessageReceived records a user message
func (m *Metrics) RecordMessageReceived(mode, source string) {
	messagesReceived.WithLabelValues(mode, source).Inc()
}

// RecordOracleRequest records an oracle request
func (m *Metrics) RecordOracleRequest(kind, status string, duration time.Duration) {
	oracleRequestDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	oracleRequestsTotal.WithLabelValues(kind, status).Inc()
}

// RecordJudgment records a challenge judgment
func (m *Metrics) RecordJudgment(caught bool, balance int) {
	outcome := "correct"
	if caught {
		outcome = "caught"
	}
	judgments.WithLabelValues(outcome).Inc()
	challengeBalance.Observe(float64(balance))
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(transport string) {
	rateLimitExceeded.WithLabelValues(transport).Inc()
}

// SetActiveSessions sets the number of live sessions
func (m *Metrics) SetActiveSessions(count float64) {
	activeSessions.Set(count)
}

// VoiceChannelOpened increments the open voice channel gauge
func (m *Metrics) VoiceChannelOpened() {
	voiceChannels.Inc()
}

// VoiceChannelClosed decrements the open voice channel gauge
func (m *Metrics) VoiceChannelClosed() {
	voiceChannels.Dec()
}

// Instrument counts and times every matched route. Install it with
// router.Use so the matched route is visible.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.RecordHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// RegisterRoutes mounts the health endpoint and, when enabled, the metrics endpoint
func RegisterRoutes(router *mux.Router, cfg *config.MetricsConfig) {
	if cfg.Enabled {
		router.Handle(cfg.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the recorder
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
