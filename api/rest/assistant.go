package rest

import (
	"errors"
	"net/http"

	"github.com/aosora-chat/server/assistant"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AssistantHandler handles the built-in assistant conversation endpoints.
type AssistantHandler struct {
	client  *assistant.Client
	history *assistant.History
	logger  *zap.Logger
}

// NewAssistantHandler creates a new AssistantHandler.
func NewAssistantHandler(client *assistant.Client, history *assistant.History, logger *zap.Logger) *AssistantHandler {
	return &AssistantHandler{client: client, history: history, logger: logger}
}

type assistantBody struct {
	Prompt string `json:"prompt" binding:"required,max=4000"`
}

// Reply handles POST /api/assistant/reply. Provider failures degrade to
// the configured fallback text with fallback=true, never an error page.
func (h *AssistantHandler) Reply(c *gin.Context) {
	userID := mw.GetUserID(c)
	var body assistantBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply, err := h.client.Reply(c.Request.Context(), userID, body.Prompt)
	if err != nil {
		if errors.Is(err, assistant.ErrEmptyPrompt) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is empty"})
			return
		}
		h.logger.Warn("assistant reply failed",
			zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"reply": h.client.Fallback(), "fallback": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply, "fallback": false})
}

// ClearHistory handles DELETE /api/assistant/history.
func (h *AssistantHandler) ClearHistory(c *gin.Context) {
	userID := mw.GetUserID(c)
	if err := h.history.Clear(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "history cleared"})
}
