// Package handlers is the HTTP gateway: authentication, room management, the
// participant approval workflow and the websocket bridge that lets browser
// clients use the signalling relay.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/metrics"
	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/roster"
	"github.com/mossy-p/webrtc-mesh/internal/signal"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRelayTimeout = 5 * time.Second

// Server holds the gateway's collaborators.
type Server struct {
	rdb     redis.UniversalClient
	roster  roster.Store
	signals signal.Channel
	log     *zap.Logger
	metrics *metrics.Metrics

	// relayTimeout bounds each relay call made on behalf of a socket.
	relayTimeout time.Duration
}

func NewServer(rdb redis.UniversalClient, participants roster.Store, signals signal.Channel, log *zap.Logger) *Server {
	return &Server{
		rdb:          rdb,
		roster:       participants,
		signals:      signals,
		log:          logging.OrNop(log).Named("gateway"),
		metrics:      metrics.Nop(),
		relayTimeout: defaultRelayTimeout,
	}
}

// WithMetrics records the gateway's instruments on m.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	return s
}

// NewRouter wires every gateway route.
func NewRouter(cfg *config.Config, s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(s.log), middleware.RequestMetrics(s.metrics))

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", s.Health)

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		apiGroup.POST("/rooms", auth, s.CreateRoom)
		apiGroup.GET("/rooms/:roomId", s.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", auth, s.DeleteRoom)

		// Approval workflow feeding the roster
		apiGroup.GET("/rooms/:roomId/participants", auth, s.ListParticipants)
		apiGroup.PUT("/rooms/:roomId/participants/me", auth, s.JoinRoom)
		apiGroup.POST("/rooms/:roomId/participants/:userId/status", auth, s.SetStatus)
	}

	wsGroup := router.Group("/ws")
	{
		// WebSocket signaling - accepts room code or ID
		wsGroup.GET("/signal/:roomId", auth, s.HandleSignaling)
	}

	return router
}

// Health reports whether the backing store answers.
func (s *Server) Health(c *gin.Context) {
	if err := s.rdb.Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "redis unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
