package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentd-project/agentd/pkg/conversation"
	"github.com/agentd-project/agentd/pkg/events"
	"github.com/agentd-project/agentd/pkg/models"
)

// eventService resolves the conversation from the :id path param, writing
// the 404 itself when absent.
func (s *Server) eventService(c *gin.Context) (*conversation.EventService, bool) {
	svc, err := s.conversations.EventService(c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	return svc, true
}

// marshalEvents serializes events through the kind registry so the wire
// shape matches the persisted one. Nil entries stay null.
func marshalEvents(evts []models.Event) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(evts))
	for i, evt := range evts {
		if evt == nil {
			continue
		}
		data, err := models.MarshalEvent(evt)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (s *Server) searchEvents(c *gin.Context) {
	svc, ok := s.eventService(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, next, err := svc.SearchEvents(
		c.Query("page_id"),
		limit,
		c.Query("kind"),
		events.SortOrder(c.Query("sort_order")),
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	payload, err := marshalEvents(items)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	resp := gin.H{"items": payload}
	if next != "" {
		resp["next_page_id"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) countEvents(c *gin.Context) {
	svc, ok := s.eventService(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, svc.CountEvents(c.Query("kind")))
}

func (s *Server) getEvent(c *gin.Context) {
	svc, ok := s.eventService(c)
	if !ok {
		return
	}
	evt, err := svc.GetEvent(c.Param("event_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	data, err := models.MarshalEvent(evt)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) batchGetEvents(c *gin.Context) {
	svc, ok := s.eventService(c)
	if !ok {
		return
	}
	ids, ok := parseIDs(c, "event_ids")
	if !ok {
		return
	}
	payload, err := marshalEvents(svc.BatchGetEvents(ids))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// SendMessageRequest is the POST body for sending a user message.
type SendMessageRequest struct {
	Role    models.MessageRole    `json:"role,omitempty"`
	Content []models.ContentBlock `json:"content"`
	Run     bool                  `json:"run"`
}

func (s *Server) sendMessage(c *gin.Context) {
	svc, ok := s.eventService(c)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	role := req.Role
	if role == "" {
		role = models.RoleUser
	}
	msg := &models.MessageEvent{
		BaseEvent: models.NewBase(models.KindMessage, models.SourceUser),
		Role:      role,
		Content:   req.Content,
	}
	if err := svc.SendMessage(msg, req.Run); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ConfirmationResponseRequest resolves a pending action batch.
type ConfirmationResponseRequest struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) respondToConfirmation(c *gin.Context) {
	svc, ok := s.eventService(c)
	if !ok {
		return
	}
	var req ConfirmationResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	if err := svc.RespondToConfirmation(req.Accept, req.Reason); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
