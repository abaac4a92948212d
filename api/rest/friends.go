package rest

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/aosora-chat/server/audit"
	"github.com/aosora-chat/server/friendship"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/aosora-chat/server/model"
	"github.com/aosora-chat/server/presence"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// FriendHandler handles friend-request and relationship REST endpoints.
// All mutations go through the caller's sync engine so the in-memory
// relationship view and the feed stay consistent with the store.
type FriendHandler struct {
	db       *gorm.DB
	sessions *friendship.Manager
	presence *presence.Tracker
	audit    *audit.Service
}

// NewFriendHandler creates a new FriendHandler.
func NewFriendHandler(db *gorm.DB, sessions *friendship.Manager, presence *presence.Tracker, auditSvc *audit.Service) *FriendHandler {
	return &FriendHandler{db: db, sessions: sessions, presence: presence, audit: auditSvc}
}

// engine returns the caller's sync engine, starting a session if none
// is live (e.g. after a server restart with a still-valid token).
func (h *FriendHandler) engine(c *gin.Context) (*friendship.Engine, int64, bool) {
	userID := mw.GetUserID(c)
	eng, err := h.sessions.StartSession(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return nil, 0, false
	}
	return eng, userID, true
}

func (h *FriendHandler) logAction(c *gin.Context, userID int64, action string, detail interface{}, errMsg string, started time.Time) {
	if h.audit == nil {
		return
	}
	h.audit.Log(audit.Entry{
		TraceID:    mw.GetTraceID(c),
		UserID:     &userID,
		Action:     action,
		Detail:     detail,
		Error:      errMsg,
		IP:         c.ClientIP(),
		DurationMs: int(time.Since(started).Milliseconds()),
	})
}

// ListFriends handles GET /api/friends.
func (h *FriendHandler) ListFriends(c *gin.Context) {
	eng, _, ok := h.engine(c)
	if !ok {
		return
	}

	ids := eng.FriendIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	friends := make([]userSummary, 0, len(ids))
	if len(ids) > 0 {
		var users []model.User
		if err := h.db.Where("id IN ?", ids).Find(&users).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		byID := make(map[int64]*model.User, len(users))
		for i := range users {
			byID[users[i].ID] = &users[i]
		}
		for _, id := range ids {
			u, found := byID[id]
			if !found {
				continue
			}
			friends = append(friends, userSummary{
				ID:            u.ID,
				DisplayName:   u.DisplayName,
				Handle:        u.Handle,
				AvatarURL:     u.AvatarURL,
				StatusMessage: u.StatusMessage,
				Relationship:  friendship.StateFriends,
				Presence:      h.presence.Get(c.Request.Context(), u.ID),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

// requestView is a pending request joined with the counterpart's profile.
type requestView struct {
	model.FriendRequest
	Counterpart *model.User `json:"counterpart,omitempty"`
}

// ListRequests handles GET /api/friends/requests?direction=incoming|outgoing.
// Only pending rows are returned.
func (h *FriendHandler) ListRequests(c *gin.Context) {
	_, userID, ok := h.engine(c)
	if !ok {
		return
	}

	direction := c.DefaultQuery("direction", "incoming")
	q := h.db.Where("status = ?", model.FriendPending)
	switch direction {
	case "incoming":
		q = q.Where("receiver_id = ?", userID)
	case "outgoing":
		q = q.Where("sender_id = ?", userID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be incoming or outgoing"})
		return
	}

	var rows []model.FriendRequest
	if err := q.Order("created_at desc").Find(&rows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	result := make([]requestView, len(rows))
	for i, row := range rows {
		result[i] = requestView{FriendRequest: row}
		var u model.User
		if err := h.db.First(&u, row.Counterpart(userID)).Error; err == nil {
			result[i].Counterpart = &u
		}
	}
	c.JSON(http.StatusOK, gin.H{"requests": result})
}

type sendRequestBody struct {
	ReceiverID int64 `json:"receiver_id" binding:"required"`
}

// SendRequest handles POST /api/friends/requests.
func (h *FriendHandler) SendRequest(c *gin.Context) {
	started := time.Now()
	eng, userID, ok := h.engine(c)
	if !ok {
		return
	}

	var body sendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The receiver must exist and not be banned.
	var receiver model.User
	if err := h.db.First(&receiver, body.ReceiverID).Error; err != nil || receiver.Status == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	row, err := eng.SendRequest(c.Request.Context(), body.ReceiverID)
	if err != nil {
		h.logAction(c, userID, "friend_request_send", body, err.Error(), started)
		switch {
		case errors.Is(err, friendship.ErrSelfRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot friend yourself"})
		case errors.Is(err, friendship.ErrDuplicateRequest):
			c.JSON(http.StatusConflict, gin.H{"error": "request already exists"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
		}
		return
	}

	h.logAction(c, userID, "friend_request_send", body, "", started)
	c.JSON(http.StatusCreated, gin.H{"request": row})
}

type respondBody struct {
	Decision friendship.Decision `json:"decision" binding:"required,oneof=accept reject"`
}

// Respond handles POST /api/friends/requests/:id/respond.
func (h *FriendHandler) Respond(c *gin.Context) {
	started := time.Now()
	eng, userID, ok := h.engine(c)
	if !ok {
		return
	}

	reqID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body respondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	row, err := eng.Respond(c.Request.Context(), reqID, body.Decision)
	if err != nil {
		h.logAction(c, userID, "friend_request_respond", gin.H{"request_id": reqID, "decision": body.Decision}, err.Error(), started)
		switch {
		case errors.Is(err, friendship.ErrRequestNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		case errors.Is(err, friendship.ErrNotReceiver):
			c.JSON(http.StatusForbidden, gin.H{"error": "not the receiver"})
		case errors.Is(err, friendship.ErrRequestNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "request already resolved"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "respond failed"})
		}
		return
	}

	h.logAction(c, userID, "friend_request_respond", gin.H{"request_id": reqID, "decision": body.Decision}, "", started)
	c.JSON(http.StatusOK, gin.H{"request": row})
}

// Relationship handles GET /api/friends/relationship/:id. It answers
// from the in-memory view without touching the store.
func (h *FriendHandler) Relationship(c *gin.Context) {
	eng, _, ok := h.engine(c)
	if !ok {
		return
	}
	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      targetID,
		"relationship": eng.GetRelationship(targetID),
	})
}
