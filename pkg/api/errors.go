package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentd-project/agentd/pkg/conversation"
)

// writeServiceError maps service-layer errors to HTTP responses. It is the
// single translation point for the error taxonomy.
func writeServiceError(c *gin.Context, err error) {
	var validationErr *conversation.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"detail": validationErr.Error()})
	case errors.Is(err, conversation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
	case errors.Is(err, conversation.ErrConflict):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case errors.Is(err, conversation.ErrClosed):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "conversation is closed"})
	case errors.Is(err, conversation.ErrPersistence):
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "persistence failure"})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
	}
}
