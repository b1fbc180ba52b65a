// Package httpapi is the HTTP front-end: a thin translator between JSON
// request bodies and the core scheduling operations. It holds no state of
// its own beyond references to the components it fronts.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relaycore/scheduled/pkg/dispatch"
	"github.com/relaycore/scheduled/pkg/execlog"
	"github.com/relaycore/scheduled/pkg/log"
	"github.com/relaycore/scheduled/pkg/metrics"
	"github.com/relaycore/scheduled/pkg/registry"
	"github.com/relaycore/scheduled/pkg/storage"
	"github.com/rs/zerolog"
)

// Server wires the JSON API onto the core components.
type Server struct {
	registry *registry.Registry
	store    storage.Store
	engine   *dispatch.Engine
	execLog  *execlog.Log
	logger   zerolog.Logger

	httpSrv *http.Server
}

// NewServer builds the API server; call Start to begin listening.
func NewServer(reg *registry.Registry, store storage.Store, engine *dispatch.Engine, execLog *execlog.Log) *Server {
	return &Server{
		registry: reg,
		store:    store,
		engine:   engine,
		execLog:  execLog,
		logger:   log.WithComponent("httpapi"),
	}
}

// Router builds the gin engine with every route mounted; exposed separately
// from Start so tests can drive it with httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/handlers", s.listHandlers)
		api.POST("/schedule", s.addSchedule)
		api.POST("/run_now", s.runNow)
		api.GET("/schedules", s.listSchedules)
		api.DELETE("/schedules/:id", s.removeSchedule)
		api.GET("/executions", s.getExecutions)
		api.GET("/executions/stats", s.getExecutionStats)
		api.GET("/executions/errors", s.getExecutionErrors)
		api.POST("/executions/clear", s.clearExecutions)
	}
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/health", gin.WrapF(metrics.HealthHandler()))
	r.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	r.GET("/live", gin.WrapF(metrics.LivenessHandler()))

	return r
}

// Start begins serving on addr in a background goroutine.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("http api listening")
	return nil
}

// Stop shuts the listener down gracefully, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		status := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("request")
	}
}
