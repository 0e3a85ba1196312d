package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shortontech/threatgate/internal/edge"
	"github.com/shortontech/threatgate/internal/engine"
	"github.com/shortontech/threatgate/internal/event"
	"github.com/shortontech/threatgate/internal/event/detection"
	httpx "github.com/shortontech/threatgate/internal/http"
	"github.com/shortontech/threatgate/internal/metrics"
	"github.com/shortontech/threatgate/internal/ratelimit"
	"github.com/shortontech/threatgate/internal/sink"
	"github.com/shortontech/threatgate/pkg/config"
	"github.com/shortontech/threatgate/pkg/logging"
)

func main() {
	cfg := config.Load()

	// container health probes run the binary as `threatgate healthcheck`
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		host, port := healthTarget(cfg.ServerAddr)
		if err := performHealthCheck(host, port); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logging.SetGlobal(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.InitMetrics()
	metricsServer := metrics.NewServer(metrics.LoadConfig(), appMetrics.Handler())
	if err := metricsServer.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start metrics server")
	}

	sinks := initializeSinks(ctx, cfg.Outputs, appMetrics)
	store := newStore(cfg)

	eng, err := buildEngine(cfg, store, appMetrics, createEmitFunc(sinks, appMetrics), logger)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.PatternsFile).Msg("failed to load threat catalog")
	}
	eng.Start(ctx, cfg.SweepInterval)

	if cfg.SelfTest {
		runSelfTest(ctx, eng, logger)
	}

	env := httpx.Env{
		Cfg:     cfg,
		Engine:  eng,
		Policy:  edge.NewPolicy(cfg.AllowedOrigins, nil),
		Metrics: appMetrics,
		Log:     logger,
	}
	srv := startHTTPServer(cfg, env)

	waitForShutdown(srv, metricsServer, sinks, store)
}

// initializeSinks starts every configured output. Unknown names and sinks
// that fail to start are logged and skipped.
func initializeSinks(ctx context.Context, outputs []string, m *metrics.Metrics) []sink.Sink {
	var sinks []sink.Sink
	for _, output := range outputs {
		var s sink.Sink
		switch strings.ToLower(strings.TrimSpace(output)) {
		case "log":
			s = sink.NewLogSink()
		case "kafka":
			s = sink.NewKafkaSinkFromEnv().WithMetrics(m)
		case "postgres", "pg":
			s = sink.NewPGSinkFromEnv().WithMetrics(m)
		default:
			log.Warn().Str("output", output).Msg("unknown output type, skipping")
			continue
		}
		if err := s.Start(ctx); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("failed to start sink")
			continue
		}
		log.Info().Str("sink", s.Name()).Msg("sink started")
		sinks = append(sinks, s)
	}
	return sinks
}

// createEmitFunc fans a security event out to all sinks. A failing sink
// does not stop delivery to the others.
func createEmitFunc(sinks []sink.Sink, m *metrics.Metrics) func(event.SecurityEvent) {
	return func(e event.SecurityEvent) {
		for _, s := range sinks {
			if err := s.Enqueue(e); err != nil {
				m.IncrementSinkErrors(s.Name(), "enqueue")
				log.Error().Err(err).Str("sink", s.Name()).Str("event_id", e.EventID).Msg("failed to enqueue event")
				continue
			}
			m.IncrementEventsIngested(s.Name())
		}
	}
}

func newStore(cfg config.Config) ratelimit.Store {
	switch cfg.RateLimitStore {
	case "redis":
		log.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("using redis rate limit store")
		return ratelimit.NewRedisStoreFromConfig(ratelimit.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "", "memory":
	default:
		log.Warn().Str("store", cfg.RateLimitStore).Msg("unknown rate limit store, using memory")
	}
	return ratelimit.NewMemoryStore()
}

// buildEngine loads the catalog and wires the engine. A catalog that does
// not compile is returned as an error.
func buildEngine(cfg config.Config, store ratelimit.Store, m *metrics.Metrics, emit func(event.SecurityEvent), logger zerolog.Logger) (*engine.SecurityEngine, error) {
	catalog := detection.DefaultCatalog()
	if cfg.PatternsFile != "" {
		c, err := detection.LoadCatalogFile(cfg.PatternsFile)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	logger.Info().
		Int("patterns", catalog.Len()).
		Int("duplicates_dropped", catalog.Duplicates()).
		Msg("threat catalog loaded")

	return engine.New(engine.Options{
		Matcher: detection.NewMatcher(catalog, cfg.MaxInspectBytes),
		Tracker: detection.NewMemoryBehaviorTracker(detection.TrackerConfig{
			MaxClients: cfg.BehaviorMaxClients,
			IdleTTL:    cfg.BehaviorIdleTTL,
		}),
		Limiter:        ratelimit.NewLimiter(store, ratelimit.Config{}, logger),
		BlockThreshold: cfg.BlockThreshold,
		TaintThreshold: cfg.TaintThreshold,
		Logger:         logger,
		Metrics:        m,
		Emit:           emit,
	}), nil
}

func startHTTPServer(cfg config.Config, env httpx.Env) *http.Server {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpx.NewMux(env),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Str("forward", cfg.ForwardDestination).Msg("threatgate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()
	return srv
}

// healthTarget turns a listen address into something dialable
func healthTarget(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", "8088"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect to health endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("failed to read health response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		return fmt.Errorf("unexpected health check response: %q", body)
	}
	return nil
}

func waitForShutdown(srv *http.Server, metricsServer *metrics.Server, sinks []sink.Sink, store ratelimit.Store) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdown(ctx, srv, metricsServer, sinks, store)
}

// shutdown stops accepting requests first so in-flight requests can still
// emit, then flushes the sinks and releases the store
func shutdown(ctx context.Context, srv *http.Server, metricsServer *metrics.Server, sinks []sink.Sink, store ratelimit.Store) {
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown")
		}
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("failed to close sink")
		}
	}
	if c, ok := store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Str("store", store.Name()).Msg("failed to close rate limit store")
		}
	}
}
