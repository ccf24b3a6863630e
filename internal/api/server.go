// Package api exposes the poller's operational surface: health and
// status endpoints, prometheus metrics and a websocket live feed.
// There is no control surface; the poller is configured at startup.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kpreisner/scadapoll/internal/types"
)

// StatusProvider is what the supervisor exposes to the API.
type StatusProvider interface {
	Status() []types.PollerStatus
}

type Server struct {
	router  *gin.Engine
	server  *http.Server
	sup     StatusProvider
	devices []types.DeviceDescriptor
	hub     *Hub
	metrics http.Handler
	logger  *zap.Logger
}

func NewServer(port int, sup StatusProvider, devices []types.DeviceDescriptor,
	hub *Hub, metricsHandler http.Handler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:  gin.New(),
		sup:     sup,
		devices: devices,
		hub:     hub,
		metrics: metricsHandler,
		logger:  logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting status API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Status server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status API server")
	return s.server.Shutdown(ctx)
}

// Router returns the gin engine, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/devices", s.listDevices)

		if s.hub != nil {
			v1.GET("/ws/live", s.wsLive)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.Status())
}

func (s *Server) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.devices)
}

func (s *Server) wsLive(c *gin.Context) {
	ServeWs(s.hub, c.Writer, c.Request)
}
