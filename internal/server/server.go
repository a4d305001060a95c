// Package server provides the HTTP API of the deep-dive engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/config"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/pipeline"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/server/middleware"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/server/ratelimit"
)

// Consumer runs stage-3 batches
type Consumer interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Pinger checks a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server
type Deps struct {
	Consumer Consumer
	// Roles looks up profile roles for bearer callers; nil trusts token claims only
	Roles    middleware.RoleLookup
	Health   Pinger
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	httpServer   *http.Server
	handler      http.Handler
	consumer     Consumer
	health       Pinger
	rateLimiter  *ratelimit.Limiter
	validate     *validator.Validate
	batchTimeout time.Duration
	logger       *zap.Logger
}

// New creates a server. Bearer authentication is enabled when the config
// carries a JWT secret.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Consumer == nil {
		return nil, errors.New("server requires a consumer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		consumer:     deps.Consumer,
		health:       deps.Health,
		rateLimiter:  ratelimit.NewLimiter(ratelimit.FromConfig(cfg.RateLimit)),
		validate:     validator.New(),
		batchTimeout: cfg.Server.WriteTimeout,
		logger:       logger.Named("http"),
	}
	if s.batchTimeout <= 0 {
		s.batchTimeout = 5 * time.Minute
	}

	admin := middleware.AdminOptions{
		Secret:    cfg.Server.AutomationSecret,
		Roles:     deps.Roles,
		AdminRole: cfg.Server.AdminRole,
	}
	jwtConfig, err := cfg.JWT()
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT config: %w", err)
	}
	if jwtConfig != nil {
		admin.Tokens = NewJWTService(jwtConfig).AsTokenValidator()
	}
	requireAdmin := middleware.RequireAdmin(admin)

	mux := http.NewServeMux()
	mux.Handle("POST "+ratelimit.ConsumePath, requireAdmin(http.HandlerFunc(s.handleConsume)))
	mux.Handle("POST "+ratelimit.ConsumePath+"/stream", requireAdmin(http.HandlerFunc(s.handleConsumeStream)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.handler = s.withLogging(s.withCORS(s.withRateLimit(mux)))
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: s.batchTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	defer s.rateLimiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// withCORS adds CORS headers for browser-based admin tools
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+middleware.SecretHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit throttles the consume endpoints per client address
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(clientID(r), r.URL.Path, r.Method)
		if info.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
		}
		if !allowed {
			retry := int(info.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.logger.Warn("rate limit exceeded", zap.String("client", clientID(r)), zap.String("path", r.URL.Path))
			s.jsonResponse(w, http.StatusTooManyRequests, ErrorBody{
				Error:   "rate_limit_exceeded",
				Details: fmt.Sprintf("retry after %d seconds", retry),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logs
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// clientID is the caller IP from RemoteAddr. Forwarded headers are ignored.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
