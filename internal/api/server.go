// Package api exposes the rendering service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
)

const defaultGzipMinSize = 500

// NewRouter builds the full middleware chain and mounts every route.
func NewRouter(d Deps) (http.Handler, error) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	logger := d.Logger.Named("api")
	serverCfg := d.Config.Server()

	minSize := serverCfg.GzipMinSize
	if minSize <= 0 {
		minSize = defaultGzipMinSize
	}
	gzip, err := gzhttp.NewWrapper(gzhttp.MinSize(minSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip middleware: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(instrument(d.Metrics, logger))
	r.Use(middleware.Recoverer)
	if serverCfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(serverCfg.RequestTimeout))
	}
	r.Use(func(next http.Handler) http.Handler { return gzip(next) })

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	limit := func(next http.Handler) http.Handler { return next }
	if rl := d.Config.RateLimit(); rl.Enabled && rl.RequestsPerMinute > 0 {
		limit = newRateLimiter(rl, logger.Named("ratelimit")).middleware
	}

	NewHandlers(d).RegisterRoutes(r, authenticate(serverCfg, logger), limit)
	return r, nil
}

// Server owns the HTTP listener.
type Server struct {
	httpServer      *http.Server
	addr            string
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewServer builds the router and the http.Server around it.
func NewServer(d Deps) (*Server, error) {
	handler, err := NewRouter(d)
	if err != nil {
		return nil, err
	}
	cfg := d.Config.Server()
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		},
		addr:            cfg.ListenAddr,
		shutdownTimeout: shutdown,
		logger:          logger.Named("server"),
	}, nil
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully, letting in-flight requests finish within the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("HTTP server starting", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	s.logger.Info("HTTP server stopped.")
	return nil
}
