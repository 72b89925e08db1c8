package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gleaner-io/gleaner/pkg/log"
	"github.com/gleaner-io/gleaner/pkg/metrics"
	"github.com/gleaner-io/gleaner/pkg/service"
)

// Config holds HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EnableCORS   bool
}

// Server is the HTTP API over the task service.
type Server struct {
	svc    *service.Service
	cfg    Config
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(svc *service.Service, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{svc: svc, cfg: cfg, engine: engine}

	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(loggingMiddleware())
	engine.Use(metricsMiddleware())
	if cfg.EnableCORS {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-Request-Id")
		engine.Use(cors.New(corsCfg))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	{
		api.POST("/tasks/collect", s.createTask)
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:taskId", s.getTask)
		api.GET("/tasks/:taskId/groups", s.listGroups)
		api.POST("/tasks/:taskId/cancel", s.cancelTask)
		api.DELETE("/tasks/:taskId", s.deleteTask)
		api.POST("/collect/:taskId", s.startCollect)
		api.GET("/results/:taskId", s.getResults)
	}

	s.engine.GET("/health", gin.WrapF(metrics.HealthHandler()))
	s.engine.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	s.engine.GET("/healthz", gin.WrapF(metrics.LivenessHandler()))
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving and blocks until the listener fails or is shut
// down.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
