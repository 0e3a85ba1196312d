package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Metrics holds all the Prometheus metrics for threatgate
type Metrics struct {
	// Counters
	RequestsAssessed *prometheus.CounterVec
	PatternMatches   *prometheus.CounterVec
	BurstsDetected   prometheus.Counter
	RateLimited      *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	EventsIngested   *prometheus.CounterVec
	SinkErrors       *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec

	// Gauges
	TrackedClients prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec

	// Histograms
	ThreatScore       prometheus.Histogram
	AssessLatency     prometheus.Histogram
	BatchFlushLatency *prometheus.HistogramVec
	HTTPDuration      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled     bool
	Addr        string
	TLSCert     string
	TLSKey      string
	ClientCA    string
	RequireTLS  bool
	RequireAuth bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:     getBool("METRICS_ENABLED", false),
		Addr:        getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:     getOr("METRICS_TLS_CERT", ""),
		TLSKey:      getOr("METRICS_TLS_KEY", ""),
		ClientCA:    getOr("METRICS_CLIENT_CA", ""),
		RequireTLS:  getBool("METRICS_REQUIRE_TLS", false),
		RequireAuth: getBool("METRICS_REQUIRE_AUTH", false),
	}
}

// NewMetrics creates the threatgate metrics and registers them with reg.
// A nil reg uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RequestsAssessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgate_requests_assessed_total",
				Help: "Requests assessed by threat level and verdict",
			},
			[]string{"level", "verdict"},
		),

		PatternMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgate_pattern_matches_total",
				Help: "Pattern matches by category and surface",
			},
			[]string{"category", "surface"},
		),

		BurstsDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "threatgate_bursts_detected_total",
				Help: "Requests that triggered the burst heuristic",
			},
		),

		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgate_rate_limited_total",
				Help: "Requests rejected by the adaptive limiter by capacity tier",
			},
			[]string{"capacity"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgate_ratelimit_store_errors_total",
				Help: "Rate limit store failures that caused a fail-open decision",
			},
			[]string{"store"},
		),

		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgate_events_ingested_total",
				Help: "Total security events ingested by sink type",
			},
			[]string{"sink"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgate_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgate_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		TrackedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "threatgate_tracked_clients",
				Help: "Behavior records currently held",
			},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "threatgate_queue_depth",
				Help: "Current depth of the internal event queue",
			},
			[]string{"sink"},
		),

		ThreatScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threatgate_threat_score",
				Help:    "Distribution of per-request threat scores",
				Buckets: []float64{0, 0.3, 0.5, 0.6, 0.7, 0.8, 1, 1.5, 2, 4},
			},
		),

		AssessLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threatgate_assess_duration_seconds",
				Help:    "Time spent scoring a request",
				Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
			},
		),

		BatchFlushLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threatgate_batch_flush_latency_seconds",
				Help:    "Latency of flushing a batch to sinks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threatgate_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	reg.MustRegister(
		m.RequestsAssessed,
		m.PatternMatches,
		m.BurstsDetected,
		m.RateLimited,
		m.StoreErrors,
		m.EventsIngested,
		m.SinkErrors,
		m.HTTPRequests,
		m.TrackedClients,
		m.QueueDepth,
		m.ThreatScore,
		m.AssessLatency,
		m.BatchFlushLatency,
		m.HTTPDuration,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler serves the registry the metrics were registered with
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
	log    zerolog.Logger
}

// NewServer creates a new metrics server exposing handler on /metrics.
// A nil handler serves the default registry.
func NewServer(config Config, handler http.Handler) *Server {
	if handler == nil {
		handler = promhttp.Handler()
	}
	logger := log.With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				logger.Error().Err(err).Msg("failed to load client CA")
			} else {
				tlsConfig.ClientCAs = clientCAs
				tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				logger.Info().Str("client_ca", config.ClientCA).Msg("mTLS enabled")
			}
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
		log:    logger,
	}
}

// Start starts the metrics server in a separate goroutine
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info().Msg("disabled (METRICS_ENABLED=false)")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			s.log.Info().Str("addr", s.config.Addr).Msg("HTTPS server listening")
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			s.log.Info().Str("addr", s.config.Addr).Msg("HTTP server listening")
			err = s.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("server error")
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.log.Info().Msg("shutting down server")
	return s.server.Shutdown(ctx)
}

func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// InitMetrics initializes the global metrics instance on the default registry
func InitMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return InitMetrics()
}

// The helpers below are nil-safe so components can run without metrics.

func (m *Metrics) ObserveAssessment(level, verdict string, score float64, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestsAssessed.WithLabelValues(level, verdict).Inc()
	m.ThreatScore.Observe(score)
	m.AssessLatency.Observe(took.Seconds())
}

func (m *Metrics) IncrementPatternMatch(category, surface string) {
	if m == nil {
		return
	}
	m.PatternMatches.WithLabelValues(category, surface).Inc()
}

func (m *Metrics) IncrementBurst() {
	if m == nil {
		return
	}
	m.BurstsDetected.Inc()
}

func (m *Metrics) IncrementRateLimited(capacity int) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(strconv.Itoa(capacity)).Inc()
}

func (m *Metrics) IncrementStoreErrors(store string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(store).Inc()
}

func (m *Metrics) SetTrackedClients(n int) {
	if m == nil {
		return
	}
	m.TrackedClients.Set(float64(n))
}

func (m *Metrics) IncrementEventsIngested(sink string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) AddSinkErrors(sink, errorType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Add(float64(n))
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) SetQueueDepth(sink string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(sink).Set(depth)
}

func (m *Metrics) ObserveBatchFlushLatency(sink string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchFlushLatency.WithLabelValues(sink).Observe(duration.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}
