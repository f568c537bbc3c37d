package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/internal/api/websocket"
	"github.com/fieldpoll/fieldpoll/internal/auth"
	"github.com/fieldpoll/fieldpoll/internal/interfaces"
)

type Server struct {
	router   *gin.Engine
	lm       interfaces.LifecycleManager
	logger   *zap.Logger
	server   *http.Server
	wsHub    *websocket.Hub
	verifier *auth.TokenVerifier
	metrics  http.Handler
}

// NewServer builds the HTTP surface. metrics may be nil to disable
// /metrics.
func NewServer(
	lm interfaces.LifecycleManager,
	logger *zap.Logger,
	wsHub *websocket.Hub,
	verifier *auth.TokenVerifier,
	metrics http.Handler,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		lm:       lm,
		logger:   logger,
		wsHub:    wsHub,
		verifier: verifier,
		metrics:  metrics,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", lm.Config().Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	requireToken := s.verifier.Middleware()

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/system/status", s.getSystemStatus)

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		{
			// Read operations
			devices.GET("", s.listDevices)
			devices.GET("/:id", s.getDevice)
			devices.GET("/:id/status", s.getDeviceStatus)
			devices.GET("/:id/readings", s.readDevice)
			devices.GET("/:id/snapshot", s.getSnapshot)
			devices.GET("/:id/history", s.getHistory)

			// Mutating operations
			devices.POST("", requireToken, s.createDevice)
			devices.PUT("/:id", requireToken, s.updateDevice)
			devices.DELETE("/:id", requireToken, s.deleteDevice)
			devices.POST("/:id/enable", requireToken, s.enableDevice)
			devices.POST("/:id/disable", requireToken, s.disableDevice)
			devices.POST("/:id/write", requireToken, s.writeParameter)
		}

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	if s.wsHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live updates disabled"})
		return
	}
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	count := 0
	if s.wsHub != nil {
		count = s.wsHub.GetClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": count,
	})
}
