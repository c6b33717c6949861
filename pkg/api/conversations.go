package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentd-project/agentd/pkg/conversation"
	"github.com/agentd-project/agentd/pkg/models"
)

// maxBatchIDs caps batch-get requests.
const maxBatchIDs = 100

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxBatchIDs {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be an integer between 1 and 100"})
		return 0, false
	}
	return limit, true
}

// parseIDs accepts repeated ?ids= params, each possibly comma-separated.
func parseIDs(c *gin.Context, param string) ([]string, bool) {
	var ids []string
	for _, raw := range c.QueryArray(param) {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": param + " query parameter is required"})
		return nil, false
	}
	if len(ids) > maxBatchIDs {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "at most 100 ids per request"})
		return nil, false
	}
	return ids, true
}

func (s *Server) searchConversations(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, next, err := s.conversations.Search(
		c.Query("page_id"),
		limit,
		models.ExecutionStatus(c.Query("status")),
		conversation.SortOrder(c.Query("sort_order")),
	)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	resp := gin.H{"items": items}
	if next != "" {
		resp["next_page_id"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) countConversations(c *gin.Context) {
	c.JSON(http.StatusOK, s.conversations.Count(models.ExecutionStatus(c.Query("status"))))
}

func (s *Server) getConversation(c *gin.Context) {
	info, err := s.conversations.Get(c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) batchGetConversations(c *gin.Context) {
	ids, ok := parseIDs(c, "ids")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.conversations.BatchGet(ids))
}

func (s *Server) startConversation(c *gin.Context) {
	var req conversation.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	info, err := s.conversations.Start(&req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) pauseConversation(c *gin.Context) {
	if err := s.conversations.Pause(c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) resumeConversation(c *gin.Context) {
	if err := s.conversations.Resume(c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.conversations.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
