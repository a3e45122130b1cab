package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/logfan/internal/bus"
	"github.com/adred-codev/logfan/internal/config"
	"github.com/adred-codev/logfan/internal/connmgr"
	"github.com/adred-codev/logfan/internal/idpool"
	"github.com/adred-codev/logfan/internal/ingest"
	"github.com/adred-codev/logfan/internal/limits"
	"github.com/adred-codev/logfan/internal/monitoring"
	"github.com/adred-codev/logfan/internal/registry"
)

// Server wires the ingestion pipeline (validator, normalizer, bus,
// per-subscriber queues) together with the admission, rate-limiting and
// lifecycle machinery around it. All singletons are constructed here and
// injected explicitly; shutdown releases them in reverse order.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool       *idpool.Pool
	registry   *registry.Registry
	manager    *connmgr.Manager
	bus        *bus.Bus
	normalizer *ingest.Normalizer
	limits     ingest.Limits

	limiter   *limits.TokenBucketLimiter // nil when rate limiting is disabled
	admission *limits.StreamAdmission
	backend   bus.Backend // nil unless NATS_URL is set

	httpSrv  *http.Server
	listener net.Listener
	handler  http.Handler

	startTime    time.Time
	shuttingDown int32 // atomic

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.pool = idpool.New(idpool.DefaultTarget, idpool.DefaultRefillThreshold, idpool.DefaultRefillBatch, logger)
	s.registry = registry.New(cfg.MaxChannels, cfg.ChannelTTL, logger)
	s.manager = connmgr.New(connmgr.Config{
		MaxConnections: cfg.MaxConnections,
		MaxPerClient:   cfg.MaxConnectionsPerClient,
		QueueSize:      cfg.MaxQueueSize,
		StaleTimeout:   cfg.StaleTimeout,
	}, logger)
	s.bus = bus.New(s.manager, s.registry, logger)
	s.normalizer = ingest.NewNormalizer(s.pool)
	s.limits = ingest.Limits{
		MaxPayloadSize:   cfg.MaxPayloadSize,
		MaxBatchSize:     cfg.MaxBatchSize,
		MaxSingleLogSize: cfg.MaxSingleLogSize,
	}

	if cfg.EnableRateLimit {
		s.limiter = limits.NewTokenBucketLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, logger)
	}
	s.admission = limits.NewStreamAdmission(limits.StreamAdmissionConfig{Logger: logger})

	if cfg.NATSUrl != "" {
		backend, err := bus.NewNATSBackend(cfg.NATSUrl, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create NATS backend: %w", err)
		}
		s.backend = backend
		s.bus.SetBackend(backend)
	}

	s.handler = s.routes()

	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/logs/stream", s.handleStream)
	mux.HandleFunc("/api/logs/stream/ws", s.handleStreamWS)
	mux.HandleFunc("/api/logs/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/generate-key", s.handleGenerateKey)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.MetricsHandler())

	var h http.Handler = mux
	h = s.authMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.securityHeadersMiddleware(h)
	return h
}

// Handler exposes the fully wired HTTP handler; tests drive it through
// httptest without a listener.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening and launches the background sweeps. Non-blocking.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{
		Handler: s.handler,
		// No WriteTimeout: SSE responses are long-lived by design.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.StartBackground()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("Server listening")
	return nil
}

// StartBackground launches the registry TTL sweep and the rate-limiter GC
// without binding a listener. Split from Start so tests can run the full
// pipeline against httptest.
func (s *Server) StartBackground() {
	s.registry.Start(s.ctx)
	if s.limiter != nil {
		s.limiter.Start(s.ctx)
	}
}

// Shutdown drains the broker: stop accepting, cancel every subscriber,
// wait for writers within the configured grace period, then release the
// singletons in reverse construction order. Re-entrant calls are no-ops.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	active := s.manager.Count()
	s.logger.Info().
		Int("active_connections", active).
		Dur("grace_period", s.cfg.ShutdownTimeout).
		Msg("Draining subscribers")

	// Cancel signals first: SSE handlers return as soon as their writer
	// loop observes the signal, which lets the HTTP shutdown below drain.
	s.manager.CancelAll(monitoring.DisconnectReasonShutdown)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Grace period expired, forcing close")
			s.httpSrv.Close()
		}
	}

	// Release singletons in reverse construction order.
	if s.backend != nil {
		s.backend.Close()
	}
	s.admission.Stop()
	s.cancel()
	if s.limiter != nil {
		s.limiter.Wait()
	}
	s.registry.Wait()
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// writeJSON writes a JSON response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("Response encoding failed")
	}
}

func (s *Server) isShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}
