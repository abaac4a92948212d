package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/aosora-chat/server/friendship"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/aosora-chat/server/thread"
	"github.com/gin-gonic/gin"
)

// ThreadHandler handles conversation-list REST endpoints.
type ThreadHandler struct {
	sessions *friendship.Manager
	threads  *thread.Materializer
}

// NewThreadHandler creates a new ThreadHandler.
func NewThreadHandler(sessions *friendship.Manager, threads *thread.Materializer) *ThreadHandler {
	return &ThreadHandler{sessions: sessions, threads: threads}
}

// List handles GET /api/threads. It returns the merged conversation
// list: existing threads in recency order, then friends without a
// thread yet.
func (h *ThreadHandler) List(c *gin.Context) {
	userID := mw.GetUserID(c)
	eng, err := h.sessions.StartSession(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}

	entries, err := h.threads.ListThreads(c.Request.Context(), userID, eng.FriendIDs())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": entries})
}

type openThreadBody struct {
	CounterpartID int64 `json:"counterpart_id" binding:"required"`
}

// Open handles POST /api/threads. It materializes (or returns) the
// canonical thread toward a friend. Opening a conversation with a
// non-friend is rejected.
func (h *ThreadHandler) Open(c *gin.Context) {
	userID := mw.GetUserID(c)
	eng, err := h.sessions.StartSession(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}

	var body openThreadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if eng.GetRelationship(body.CounterpartID) != friendship.StateFriends {
		c.JSON(http.StatusForbidden, gin.H{"error": "not friends"})
		return
	}

	t, err := h.threads.EnsureThread(c.Request.Context(), userID, body.CounterpartID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "open failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread": t})
}

// Get handles GET /api/threads/:id.
func (h *ThreadHandler) Get(c *gin.Context) {
	userID := mw.GetUserID(c)
	threadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	t, err := h.threads.Get(c.Request.Context(), threadID, userID)
	if err != nil {
		switch {
		case errors.Is(err, thread.ErrThreadNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		case errors.Is(err, thread.ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread": t})
}
