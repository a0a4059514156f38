// Package api exposes the admin HTTP surface: workflow status and control,
// reconciliation, and fuse resets.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/common/httpmw"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/monitor"
	"github.com/nexusflow/nexus/internal/reconcile"
	"github.com/nexusflow/nexus/internal/workflow/definition"
	"github.com/nexusflow/nexus/internal/workflow/engine"
)

// Server is the admin API server.
type Server struct {
	cfg        config.ServerConfig
	engine     *engine.Engine
	reconciler *reconcile.Reconciler
	monitor    *monitor.Monitor
	comments   reconcile.CommentsProvider
	defs       *definition.Registry
	logger     *logger.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router; Start binds it.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, rec *reconcile.Reconciler, mon *monitor.Monitor, comments reconcile.CommentsProvider, defs *definition.Registry, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		engine:     eng,
		reconciler: rec,
		monitor:    mon,
		comments:   comments,
		defs:       defs,
		logger:     log.WithFields(zap.String("component", "admin-api")),
		router:     gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "nexus-admin"))
	s.router.Use(httpmw.OtelTracing("nexus-admin"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/definitions", s.handleListDefinitions)

		api.POST("/workflows", s.handleCreateWorkflow)
		api.GET("/workflows/:issue/status", s.handleStatus)
		api.GET("/workflows/:issue/snapshot", s.handleSnapshot)
		api.POST("/workflows/:issue/complete", s.handleComplete)
		api.POST("/workflows/:issue/approve", s.handleApprove)
		api.POST("/workflows/:issue/deny", s.handleDeny)
		api.POST("/workflows/:issue/pause", s.handlePause)
		api.POST("/workflows/:issue/resume", s.handleResume)
		api.POST("/workflows/:issue/cancel", s.handleCancel)
		api.POST("/workflows/:issue/reset", s.handleReset)
		api.POST("/workflows/:issue/reconcile", s.handleReconcile)

		api.POST("/fuses/:issue/:agent/reset", s.handleFuseReset)
	}
}

// Start binds the listener and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin API listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
