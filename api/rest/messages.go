package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aosora-chat/server/audit"
	"github.com/aosora-chat/server/message"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/aosora-chat/server/thread"
	"github.com/gin-gonic/gin"
)

// MessageHandler handles message history and send REST endpoints.
type MessageHandler struct {
	messages *message.Service
	pageSize int
	audit    *audit.Service
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(messages *message.Service, pageSize int, auditSvc *audit.Service) *MessageHandler {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &MessageHandler{messages: messages, pageSize: pageSize, audit: auditSvc}
}

// List handles GET /api/threads/:id/messages. An optional before=RFC3339
// query parameter pages backwards through history; messages are always
// returned oldest first.
func (h *MessageHandler) List(c *gin.Context) {
	userID := mw.GetUserID(c)
	threadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	limit := h.pageSize
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var (
		msgs interface{}
		lerr error
	)
	if raw := c.Query("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp"})
			return
		}
		msgs, lerr = h.messages.Before(c.Request.Context(), threadID, userID, before, limit)
	} else {
		msgs, lerr = h.messages.List(c.Request.Context(), threadID, userID, limit)
	}

	if lerr != nil {
		writeThreadError(c, lerr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendMessageBody struct {
	Content string `json:"content" binding:"required"`
}

// Send handles POST /api/threads/:id/messages.
func (h *MessageHandler) Send(c *gin.Context) {
	started := time.Now()
	userID := mw.GetUserID(c)
	threadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), threadID, userID, body.Content)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrEmptyMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "message is empty"})
		case errors.Is(err, message.ErrMessageTooLong):
			c.JSON(http.StatusBadRequest, gin.H{"error": "message too long"})
		default:
			writeThreadError(c, err)
		}
		return
	}

	if h.audit != nil {
		h.audit.Log(audit.Entry{
			TraceID:    mw.GetTraceID(c),
			UserID:     &userID,
			Action:     "message_send",
			Detail:     gin.H{"thread_id": threadID, "message_id": msg.ID},
			IP:         c.ClientIP(),
			DurationMs: int(time.Since(started).Milliseconds()),
		})
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// writeThreadError maps thread membership errors to HTTP statuses.
func writeThreadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, thread.ErrThreadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
	case errors.Is(err, thread.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
