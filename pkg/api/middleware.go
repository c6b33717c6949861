package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SessionAPIKeyHeader carries the key on REST requests; WebSocket clients
// pass session_api_key as a query parameter instead.
const SessionAPIKeyHeader = "X-Session-API-Key"

// sessionAuth rejects requests without a configured session API key. When
// no keys are configured the server is open.
func (s *Server) sessionAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.SessionAPIKeyRequired() {
			c.Next()
			return
		}
		if s.validSessionKey(c.GetHeader(SessionAPIKeyHeader)) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid or missing session API key"})
	}
}

// validSessionKey reports whether the presented key matches a configured
// one. An empty configured list means auth is disabled.
func (s *Server) validSessionKey(key string) bool {
	if !s.cfg.SessionAPIKeyRequired() {
		return true
	}
	if key == "" {
		return false
	}
	for _, configured := range s.cfg.SessionAPIKeys {
		if key == configured {
			return true
		}
	}
	return false
}

// corsMiddleware allows configured origins plus any localhost origin.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, "+SessionAPIKeyHeader)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowCORSOrigins {
		if origin == allowed {
			return true
		}
	}
	host := origin
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host == "localhost" || host == "127.0.0.1"
}
