package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentd-project/agentd/pkg/bash"
)

// ExecuteBashRequest is the POST body for running a command.
type ExecuteBashRequest struct {
	Command string  `json:"command" binding:"required"`
	Timeout float64 `json:"timeout,omitempty"`
	Cwd     string  `json:"cwd,omitempty"`
}

// executeBashCommand runs the command synchronously and returns the
// BashCommand record; outputs are fetched through the search endpoint or
// streamed over the bash socket.
func (s *Server) executeBashCommand(c *gin.Context) {
	var req ExecuteBashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	res, err := s.bashExec.Execute(c.Request.Context(), bash.Request{
		Command: req.Command,
		Cwd:     req.Cwd,
		Timeout: time.Duration(req.Timeout * float64(time.Second)),
	}, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	cmd, err := s.bashEvents.Get(res.CommandID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "command event missing"})
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (s *Server) searchBashEvents(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	filter := bash.SearchFilter{
		Kind:      c.Query("kind__eq"),
		CommandID: c.Query("command_id__eq"),
	}
	if filter.Kind != "" && filter.Kind != bash.KindBashCommand && filter.Kind != bash.KindBashOutput {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "kind__eq must be BashCommand or BashOutput"})
		return
	}
	for _, bound := range []struct {
		param string
		dst   **time.Time
	}{
		{"timestamp__gte", &filter.TimestampGTE},
		{"timestamp__lt", &filter.TimestampLT},
	} {
		raw := c.Query(bound.param)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": bound.param + " must be RFC 3339"})
			return
		}
		*bound.dst = &ts
	}

	desc := false
	switch c.Query("sort_order") {
	case "", "TIMESTAMP":
	case "TIMESTAMP_DESC":
		desc = true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"detail": "sort_order must be TIMESTAMP or TIMESTAMP_DESC"})
		return
	}

	items, next, err := s.bashEvents.Search(filter, c.Query("page_id"), limit, desc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	resp := gin.H{"items": items}
	if next != "" {
		resp["next_page_id"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getBashEvent(c *gin.Context) {
	evt, err := s.bashEvents.Get(c.Param("event_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.JSON(http.StatusOK, evt)
}

func (s *Server) clearBashEvents(c *gin.Context) {
	count, err := s.bashEvents.Clear()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared_count": count})
}
