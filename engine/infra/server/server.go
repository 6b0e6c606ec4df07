// Package server exposes the admin HTTP API: definition management,
// transaction control and instance inspection. Transaction commands are
// published to the bus so they serialize with in-flight updates; only
// definition writes hit the store synchronously.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/store"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

type Config struct {
	Host string
	Port int
}

type Server struct {
	cfg      *Config
	store    *store.Store
	commands bus.CommandPublisher
	engine   *gin.Engine
}

func New(cfg *Config, st *store.Store, commands bus.CommandPublisher) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		store:    st,
		commands: commands,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.health)
	api := s.engine.Group("/api/v1")
	{
		api.POST("/definitions/workflows", s.createWorkflowDefinition)
		api.GET("/definitions/workflows", s.listWorkflowDefinitions)
		api.GET("/definitions/workflows/:name/:rev", s.getWorkflowDefinition)
		api.POST("/definitions/tasks", s.createTaskDefinition)
		api.GET("/definitions/tasks", s.listTaskDefinitions)
		api.GET("/definitions/tasks/:name", s.getTaskDefinition)

		api.POST("/transactions", s.startTransaction)
		api.GET("/transactions/:id", s.getTransaction)
		api.POST("/transactions/:id/cancel", s.cancelTransaction)
		api.POST("/transactions/:id/pause", s.pauseTransaction)
		api.POST("/transactions/:id/resume", s.resumeTransaction)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.FromContext(ctx).Info("admin api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down admin api: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log := logger.FromContext(c.Request.Context())
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(started))
	}
}
