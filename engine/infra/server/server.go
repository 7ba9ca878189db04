// Package server exposes the formatting engine over HTTP: a small gin
// application with a synchronous format endpoint, an async job surface, and
// the profile listing.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/fmtd/fmtd/engine/format"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/fmtd/fmtd/pkg/logger"
)

const (
	httpReadTimeout       = 15 * time.Second
	httpIdleTimeout       = 60 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg    *config.Config
	svc    *format.Service
	engine *gin.Engine
}

// NewServer wires the HTTP surface over a ready formatting service.
func NewServer(cfg *config.Config, svc *format.Service, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestIDMiddleware(log))
	engine.Use(LoggerMiddleware())
	s := &Server{cfg: cfg, svc: svc, engine: engine}
	s.registerRoutes(engine)
	return s
}

// Handler exposes the configured router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: httpReadTimeout,
		WriteTimeout:      s.cfg.Server.Timeout,
		IdleTimeout:       httpIdleTimeout,
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
