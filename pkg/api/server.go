// Package api exposes the conversation runtime over HTTP and WebSocket.
package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentd-project/agentd/pkg/bash"
	"github.com/agentd-project/agentd/pkg/config"
	"github.com/agentd-project/agentd/pkg/conversation"
	"github.com/agentd-project/agentd/pkg/version"
)

// Server holds the HTTP surface over the conversation service and the bash
// collaborator.
type Server struct {
	conversations *conversation.Service
	bashEvents    *bash.EventStore
	bashExec      *bash.Executor
	cfg           *config.Config
	logger        *slog.Logger

	startedAt time.Time

	mu            sync.Mutex
	lastRequestAt time.Time
}

// NewServer wires the API surface. The bash executor and event store back
// both the REST /bash routes and the bash WebSockets.
func NewServer(conversations *conversation.Service, bashEvents *bash.EventStore, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	return &Server{
		conversations: conversations,
		bashEvents:    bashEvents,
		bashExec:      bash.NewExecutor(bashEvents),
		cfg:           cfg,
		logger:        logger,
		startedAt:     now,
		lastRequestAt: now,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.trackActivity())

	// Liveness and introspection stay unauthenticated so probes work
	// without credentials.
	r.GET("/alive", s.alive)
	r.GET("/health", s.health)
	r.GET("/server_info", s.serverInfo)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := r.Group("/", s.sessionAuth())

	conversations := auth.Group("/conversations")
	conversations.GET("/search", s.searchConversations)
	conversations.GET("/count", s.countConversations)
	conversations.GET("/", s.batchGetConversations)
	conversations.POST("/", s.startConversation)
	conversations.GET("/:id", s.getConversation)
	conversations.POST("/:id/pause", s.pauseConversation)
	conversations.POST("/:id/resume", s.resumeConversation)
	conversations.DELETE("/:id", s.deleteConversation)

	events := conversations.Group("/:id/events")
	events.GET("/search", s.searchEvents)
	events.GET("/count", s.countEvents)
	events.GET("/", s.batchGetEvents)
	events.POST("/", s.sendMessage)
	events.POST("/respond_to_confirmation", s.respondToConfirmation)
	events.GET("/:event_id", s.getEvent)

	bashGroup := auth.Group("/bash")
	bashGroup.POST("/execute_bash_command", s.executeBashCommand)
	bashGroup.GET("/bash_events/search", s.searchBashEvents)
	bashGroup.GET("/bash_events/:event_id", s.getBashEvent)
	bashGroup.DELETE("/bash_events", s.clearBashEvents)

	fileGroup := auth.Group("/file")
	fileGroup.POST("/upload/*path", s.uploadFile)
	fileGroup.GET("/download/*path", s.downloadFile)

	// Socket auth happens inside the handlers so failures can use the
	// WebSocket close codes instead of HTTP statuses.
	r.GET("/sockets/events/:id", s.eventSocket)
	r.GET("/sockets/bash-events", s.bashSocket)
	r.GET("/bash_events/socket", s.bashSocket)

	if s.cfg.StaticFilesPath != "" {
		r.Static("/static", s.cfg.StaticFilesPath)
		r.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusTemporaryRedirect, "/static/index.html")
		})
	}

	return r
}

// trackActivity records request times for /server_info idle reporting.
func (s *Server) trackActivity() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.lastRequestAt = time.Now().UTC()
		s.mu.Unlock()
		c.Next()
	}
}

func (s *Server) alive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) serverInfo(c *gin.Context) {
	s.mu.Lock()
	last := s.lastRequestAt
	s.mu.Unlock()
	now := time.Now().UTC()
	c.JSON(http.StatusOK, gin.H{
		"uptime":    now.Sub(s.startedAt).Seconds(),
		"idle_time": now.Sub(last).Seconds(),
		"version":   version.Full(),
	})
}
