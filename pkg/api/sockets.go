package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentd-project/agentd/pkg/bash"
	"github.com/agentd-project/agentd/pkg/events"
	"github.com/agentd-project/agentd/pkg/models"
)

// WebSocket close codes in the application range.
const (
	CloseInvalidSessionKey    websocket.StatusCode = 4001
	CloseConversationNotFound websocket.StatusCode = 4004
)

const socketWriteTimeout = 10 * time.Second

// eventSocket streams a conversation's events. With resend_all=true the
// existing log is replayed first; clients deduplicate by event id across
// the replay/subscribe boundary.
func (s *Server) eventSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	if !s.validSessionKey(c.Query("session_api_key")) {
		conn.Close(CloseInvalidSessionKey, "invalid or missing session API key")
		return
	}
	svc, err := s.conversations.EventService(c.Param("id"))
	if err != nil {
		conn.Close(CloseConversationNotFound, "conversation not found")
		return
	}

	ctx := c.Request.Context()
	var writeMu sync.Mutex
	writeEvent := func(evt models.Event) error {
		data, err := models.MarshalEvent(evt)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	if c.Query("resend_all") == "true" {
		cursor := ""
		for {
			page, next, err := svc.SearchEvents(cursor, events.MaxPageLimit, "", events.SortTimestamp)
			if err != nil {
				conn.Close(websocket.StatusInternalError, "failed to read events")
				return
			}
			for _, evt := range page {
				if err := writeEvent(evt); err != nil {
					return
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}

	subID := svc.Subscribe(func(evt models.Event) {
		writeEvent(evt)
	})
	defer svc.Unsubscribe(subID)

	// Inbound frames are user messages that trigger a run.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req SendMessageRequest
		if err := json.Unmarshal(data, &req); err != nil || len(req.Content) == 0 {
			s.logger.Warn("Ignoring malformed socket message", "conversation_id", c.Param("id"), "error", err)
			continue
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
		if err := svc.SendMessage(msg, true); err != nil {
			s.logger.Warn("Socket message rejected", "error", err)
		}
	}
}

// bashSocketRequest is one inbound command frame on the bash socket.
type bashSocketRequest struct {
	Command string  `json:"command"`
	Timeout float64 `json:"timeout,omitempty"`
	Cwd     string  `json:"cwd,omitempty"`
}

// bashSocket runs commands over a request/response WebSocket: each inbound
// frame yields a BashCommand frame followed by BashOutput frames, the last
// of which carries the exit code.
func (s *Server) bashSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	if !s.validSessionKey(c.Query("session_api_key")) {
		conn.Close(CloseInvalidSessionKey, "invalid or missing session API key")
		return
	}

	ctx := c.Request.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req bashSocketRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("Ignoring malformed bash socket frame", "error", err)
			continue
		}

		var writeErr error
		_, err = s.bashExec.Execute(ctx, bash.Request{
			Command: req.Command,
			Cwd:     req.Cwd,
			Timeout: time.Duration(req.Timeout * float64(time.Second)),
		}, func(evt *bash.Event) {
			if writeErr != nil {
				return
			}
			frame, marshalErr := json.Marshal(evt)
			if marshalErr != nil {
				writeErr = marshalErr
				return
			}
			wctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
			defer cancel()
			writeErr = conn.Write(wctx, websocket.MessageText, frame)
		})
		if err != nil {
			frame, _ := json.Marshal(gin.H{"error": err.Error()})
			wctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
			conn.Write(wctx, websocket.MessageText, frame)
			cancel()
		}
		if writeErr != nil {
			return
		}
	}
}
