// Package server assembles the HTTP API and runs it with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
	"github.com/johnayoung/go-ohlcv-gateway/internal/metrics"
)

// APIPrefix is where the public routes are mounted.
const APIPrefix = "/api/v1"

const (
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 2 * time.Minute
	defaultShutdownTimeout = 15 * time.Second
)

// Routes is implemented by every handler that mounts its own endpoints.
type Routes interface {
	RegisterRoutes(r gin.IRouter)
}

// RoutesFunc adapts a function to Routes.
type RoutesFunc func(r gin.IRouter)

// RegisterRoutes calls f(r).
func (f RoutesFunc) RegisterRoutes(r gin.IRouter) { f(r) }

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger  *slog.Logger
	Metrics metrics.Recorder
	// API handlers are mounted under APIPrefix.
	API []Routes
	// Root handlers are mounted at the top level (health, metrics).
	Root []Routes
}

// NewRouter builds the gin engine with the standard middleware chain.
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopRecorder{}
	}

	r := gin.New()
	r.Use(RequestID(), Logger(opts.Logger), Metrics(opts.Metrics), Recovery(opts.Logger))

	for _, routes := range opts.Root {
		routes.RegisterRoutes(r)
	}
	api := r.Group(APIPrefix)
	for _, routes := range opts.API {
		routes.RegisterRoutes(api)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

// Server runs an http.Server until its context is canceled.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New creates a server for handler listening on cfg's address.
func New(cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadTimeout:       config.Duration(cfg.ReadTimeout, defaultReadTimeout),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      config.Duration(cfg.WriteTimeout, defaultWriteTimeout),
		},
		shutdownTimeout: config.Duration(cfg.ShutdownTimeout, defaultShutdownTimeout),
		logger:          logger,
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully within
// the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server", "timeout", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
