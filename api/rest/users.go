package rest

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/aosora-chat/server/friendship"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/aosora-chat/server/model"
	"github.com/aosora-chat/server/presence"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// UserHandler handles profile and user-lookup REST endpoints.
type UserHandler struct {
	db       *gorm.DB
	sessions *friendship.Manager
	presence *presence.Tracker
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(db *gorm.DB, sessions *friendship.Manager, presence *presence.Tracker) *UserHandler {
	return &UserHandler{db: db, sessions: sessions, presence: presence}
}

// Me handles GET /api/users/me.
func (h *UserHandler) Me(c *gin.Context) {
	userID := mw.GetUserID(c)
	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

type updateProfileRequest struct {
	DisplayName   *string `json:"display_name" binding:"omitempty,max=64"`
	AvatarURL     *string `json:"avatar_url" binding:"omitempty,max=256"`
	StatusMessage *string `json:"status_message" binding:"omitempty,max=128"`
}

// UpdateMe handles PATCH /api/users/me. Only the provided fields change.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	userID := mw.GetUserID(c)
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*req.DisplayName)
	}
	if req.AvatarURL != nil {
		updates["avatar_url"] = strings.TrimSpace(*req.AvatarURL)
	}
	if req.StatusMessage != nil {
		updates["status_message"] = *req.StatusMessage
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	if err := h.db.Model(&model.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// userSummary is the public view of another user, with the caller's
// relationship toward them attached.
type userSummary struct {
	ID            int64            `json:"id"`
	DisplayName   string           `json:"display_name"`
	Handle        string           `json:"handle"`
	AvatarURL     string           `json:"avatar_url"`
	StatusMessage string           `json:"status_message"`
	Relationship  friendship.State `json:"relationship"`
	Presence      presence.Status  `json:"presence"`
}

func (h *UserHandler) summarize(c *gin.Context, localID int64, u *model.User) userSummary {
	rel := friendship.StateNone
	if eng := h.sessions.Get(localID); eng != nil {
		rel = eng.GetRelationship(u.ID)
	}
	return userSummary{
		ID:            u.ID,
		DisplayName:   u.DisplayName,
		Handle:        u.Handle,
		AvatarURL:     u.AvatarURL,
		StatusMessage: u.StatusMessage,
		Relationship:  rel,
		Presence:      h.presence.Get(c.Request.Context(), u.ID),
	}
}

// Search handles GET /api/users/search?q=<handle or name>.
// Exact handle matches are listed first, then name prefix matches.
func (h *UserHandler) Search(c *gin.Context) {
	localID := mw.GetUserID(c)
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}

	var users []model.User
	err := h.db.
		Where("id <> ? AND status = 1", localID).
		Where("handle = ? OR display_name LIKE ? OR username LIKE ?", q, q+"%", q+"%").
		Limit(20).
		Find(&users).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Exact handle match first.
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].Handle == q && users[j].Handle != q
	})

	result := make([]userSummary, len(users))
	for i := range users {
		result[i] = h.summarize(c, localID, &users[i])
	}
	c.JSON(http.StatusOK, gin.H{"users": result})
}

// GetUser handles GET /api/users/:id.
func (h *UserHandler) GetUser(c *gin.Context) {
	localID := mw.GetUserID(c)
	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var user model.User
	if err := h.db.First(&user, targetID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": h.summarize(c, localID, &user)})
}
