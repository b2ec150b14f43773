// Package server implements the HTTP API of the power plant troubleshooting
// assistant: chat turns, troubleshooting plans, document uploads, the health
// family and Prometheus metrics. The server is started by `ppta serve`.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ppta-go/internal/logging"
)

// New constructs a Server from the provided services and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Chat == nil {
		return nil, fmt.Errorf("server: chat service must not be nil")
	}
	if deps.Planner == nil {
		return nil, fmt.Errorf("server: troubleshooting planner must not be nil")
	}
	if deps.Ingest == nil {
		return nil, fmt.Errorf("server: ingestion pipeline must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 10 * time.Minute
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = cfg.ChatTimeout + 30*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RateLimit.Window <= 0 || cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit = Limit{Window: defaultRateWindow, MaxRequests: defaultRateMaxRequests}
	}
	if cfg.UploadRateLimit.Window <= 0 || cfg.UploadRateLimit.MaxRequests <= 0 {
		cfg.UploadRateLimit = Limit{Window: defaultUploadWindow, MaxRequests: defaultUploadRequests}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     cfg.Logger,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}
	s.started = s.now()

	general, stopGeneral := newRateLimiter("general", "Too Many Requests", cfg.RateLimit, cfg.Now, s.log)
	upload, stopUpload := newRateLimiter("upload", "Too Many File Uploads", cfg.UploadRateLimit, cfg.Now, s.log)
	general.onReject = func() { s.metrics.rateLimitedTotal.WithLabelValues("general").Inc() }
	upload.onReject = func() { s.metrics.rateLimitedTotal.WithLabelValues("upload").Inc() }
	s.stopRL = func() {
		stopGeneral()
		stopUpload()
	}

	if cfg.APIKey == "" {
		s.log.Warn("auth: PPTA_API_KEY not set, API authentication is disabled")
	}

	// protect applies the general quota then authentication.
	protect := func(h http.HandlerFunc) http.Handler {
		return general.middleware(s, s.authMiddleware(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/health/detailed", s.handleHealthDetailed)
	mux.HandleFunc("GET /api/health/ready", s.handleReady)
	mux.HandleFunc("GET /api/health/live", s.handleLive)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	mux.Handle("POST /api/chat", protect(s.handleChat))
	mux.Handle("POST /api/troubleshooting", protect(s.handleTroubleshooting))
	mux.Handle("POST /api/documents", general.middleware(s, upload.middleware(s, s.authMiddleware(http.HandlerFunc(s.handleUpload)))))
	mux.Handle("GET /api/documents", protect(s.handleListDocuments))
	mux.Handle("GET /api/documents/{id}", protect(s.handleGetDocument))
	mux.Handle("DELETE /api/documents/{id}", protect(s.handleDeleteDocument))
	mux.HandleFunc("/", s.handleNotFound)

	handler := Chain(s.recoverer(mux),
		requestLogging(s.log),
		requestMetrics(s.metrics),
	)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown of the listener.
// Callers drain background work and close providers after Start returns.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("ppta server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// Close stops the rate limiter goroutines. It is safe to call more than
// once and after Start has returned.
func (s *Server) Close() { s.stopRL() }
