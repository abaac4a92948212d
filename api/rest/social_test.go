package rest_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aosora-chat/server/api/rest"
	"github.com/aosora-chat/server/config"
	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/friendship"
	"github.com/aosora-chat/server/message"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/aosora-chat/server/presence"
	"github.com/aosora-chat/server/testutil"
	"github.com/aosora-chat/server/thread"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const waitFor = 2 * time.Second

type chatSetup struct {
	r  *gin.Engine
	db *gorm.DB
}

func newChatSetup(t *testing.T) *chatSetup {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}
	logger := zap.NewNop()

	gw := feed.NewGateway(ps, logger)
	threads := thread.NewMaterializer(db, gw, logger)
	sessions := friendship.NewManager(db, gw, threads, logger)
	t.Cleanup(sessions.Shutdown)
	tracker := presence.NewTracker(c, time.Minute, 5*time.Minute, logger)
	messages := message.NewService(db, threads, gw, 2000, logger)

	authH := rest.NewAuthHandler(db, c, sec, sessions)
	userH := rest.NewUserHandler(db, sessions, tracker)
	friendH := rest.NewFriendHandler(db, sessions, tracker, nil)
	threadH := rest.NewThreadHandler(sessions, threads)
	msgH := rest.NewMessageHandler(messages, 50, nil)

	r := gin.New()
	r.POST("/api/auth/login", authH.Login)
	auth := r.Group("/api", mw.Auth(sec, c))
	auth.GET("/users/me", userH.Me)
	auth.PATCH("/users/me", userH.UpdateMe)
	auth.GET("/users/search", userH.Search)
	auth.GET("/users/:id", userH.GetUser)
	auth.GET("/friends", friendH.ListFriends)
	auth.GET("/friends/requests", friendH.ListRequests)
	auth.POST("/friends/requests", friendH.SendRequest)
	auth.POST("/friends/requests/:id/respond", friendH.Respond)
	auth.GET("/friends/relationship/:id", friendH.Relationship)
	auth.GET("/threads", threadH.List)
	auth.POST("/threads", threadH.Open)
	auth.GET("/threads/:id", threadH.Get)
	auth.GET("/threads/:id/messages", msgH.List)
	auth.POST("/threads/:id/messages", msgH.Send)

	return &chatSetup{r: r, db: db}
}

// login auto-registers the user and returns its bearer header value and id.
func (s *chatSetup) login(t *testing.T, username string) (authHeader string, userID int64) {
	t.Helper()
	w := postJSON(s.r, "/api/auth/login", map[string]string{"username": username, "password": "pass1234"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	return "Bearer " + resp["token"].(string), int64(resp["user_id"].(float64))
}

func patchJSON(r *gin.Engine, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPatch, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// sendRequest creates a friend request from→to and returns the row id.
func (s *chatSetup) sendRequest(t *testing.T, fromAuth string, toID int64) int64 {
	t.Helper()
	w := postJSON(s.r, "/api/friends/requests", map[string]int64{"receiver_id": toID}, "Authorization", fromAuth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode(t, w)["request"].(map[string]interface{})
	return int64(req["id"].(float64))
}

func (s *chatSetup) respond(t *testing.T, auth string, reqID int64, decision string) *httptest.ResponseRecorder {
	t.Helper()
	return postJSON(s.r, fmt.Sprintf("/api/friends/requests/%d/respond", reqID),
		map[string]string{"decision": decision}, "Authorization", auth)
}

func (s *chatSetup) relationship(t *testing.T, auth string, targetID int64) string {
	t.Helper()
	w := getJSON(s.r, fmt.Sprintf("/api/friends/relationship/%d", targetID), "Authorization", auth)
	require.Equal(t, http.StatusOK, w.Code)
	return decode(t, w)["relationship"].(string)
}

func TestFriendRequestFlow_Accept(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, aliceID := s.login(t, "alice")
	bobAuth, bobID := s.login(t, "bob")

	reqID := s.sendRequest(t, aliceAuth, bobID)

	// Both sides see the pending edge; the receiver's view converges via the feed.
	assert.Equal(t, "outgoing-pending", s.relationship(t, aliceAuth, bobID))
	require.Eventually(t, func() bool {
		return s.relationship(t, bobAuth, aliceID) == "incoming-pending"
	}, waitFor, 10*time.Millisecond)

	// Receiver lists the incoming request with the sender's profile attached.
	w := getJSON(s.r, "/api/friends/requests?direction=incoming", "Authorization", bobAuth)
	require.Equal(t, http.StatusOK, w.Code)
	reqs := decode(t, w)["requests"].([]interface{})
	require.Len(t, reqs, 1)
	counterpart := reqs[0].(map[string]interface{})["counterpart"].(map[string]interface{})
	assert.Equal(t, "alice", counterpart["handle"])

	require.Equal(t, http.StatusOK, s.respond(t, bobAuth, reqID, "accept").Code)

	assert.Equal(t, "friends", s.relationship(t, bobAuth, aliceID))
	require.Eventually(t, func() bool {
		return s.relationship(t, aliceAuth, bobID) == "friends"
	}, waitFor, 10*time.Millisecond)

	// Friend lists on both sides.
	w = getJSON(s.r, "/api/friends", "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	friends := decode(t, w)["friends"].([]interface{})
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].(map[string]interface{})["handle"])
}

func TestFriendRequestFlow_Reject(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, _ := s.login(t, "alice")
	bobAuth, bobID := s.login(t, "bob")

	reqID := s.sendRequest(t, aliceAuth, bobID)
	require.Equal(t, http.StatusOK, s.respond(t, bobAuth, reqID, "reject").Code)

	// A rejected request does not block a fresh one.
	require.Eventually(t, func() bool {
		return s.relationship(t, aliceAuth, bobID) == "none"
	}, waitFor, 10*time.Millisecond)
	s.sendRequest(t, aliceAuth, bobID)
}

func TestSendRequest_Errors(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, aliceID := s.login(t, "alice")
	_, bobID := s.login(t, "bob")

	// Self friending.
	w := postJSON(s.r, "/api/friends/requests", map[string]int64{"receiver_id": aliceID}, "Authorization", aliceAuth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown receiver.
	w = postJSON(s.r, "/api/friends/requests", map[string]int64{"receiver_id": 99999}, "Authorization", aliceAuth)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Duplicate while pending.
	s.sendRequest(t, aliceAuth, bobID)
	w = postJSON(s.r, "/api/friends/requests", map[string]int64{"receiver_id": bobID}, "Authorization", aliceAuth)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRespond_Errors(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, _ := s.login(t, "alice")
	bobAuth, bobID := s.login(t, "bob")

	reqID := s.sendRequest(t, aliceAuth, bobID)

	// Unknown request id.
	assert.Equal(t, http.StatusNotFound, s.respond(t, bobAuth, 99999, "accept").Code)

	// The sender cannot resolve their own request.
	assert.Equal(t, http.StatusForbidden, s.respond(t, aliceAuth, reqID, "accept").Code)

	// Bad decision value.
	w := postJSON(s.r, fmt.Sprintf("/api/friends/requests/%d/respond", reqID),
		map[string]string{"decision": "maybe"}, "Authorization", bobAuth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Already resolved.
	require.Equal(t, http.StatusOK, s.respond(t, bobAuth, reqID, "accept").Code)
	assert.Equal(t, http.StatusConflict, s.respond(t, bobAuth, reqID, "accept").Code)
}

func (s *chatSetup) befriend(t *testing.T, aAuth, bAuth string, bID int64) {
	t.Helper()
	reqID := s.sendRequest(t, aAuth, bID)
	require.Equal(t, http.StatusOK, s.respond(t, bAuth, reqID, "accept").Code)
	require.Eventually(t, func() bool {
		return s.relationship(t, aAuth, bID) == "friends"
	}, waitFor, 10*time.Millisecond)
}

func TestThreads_OpenAndList(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, aliceID := s.login(t, "alice")
	bobAuth, bobID := s.login(t, "bob")
	carolAuth, _ := s.login(t, "carol")

	// Opening a conversation with a non-friend is rejected.
	w := postJSON(s.r, "/api/threads", map[string]int64{"counterpart_id": bobID}, "Authorization", aliceAuth)
	assert.Equal(t, http.StatusForbidden, w.Code)

	s.befriend(t, aliceAuth, bobAuth, bobID)

	w = postJSON(s.r, "/api/threads", map[string]int64{"counterpart_id": bobID}, "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	th := decode(t, w)["thread"].(map[string]interface{})
	threadID := int64(th["id"].(float64))

	// Opening from the other side lands on the same row.
	w = postJSON(s.r, "/api/threads", map[string]int64{"counterpart_id": aliceID}, "Authorization", bobAuth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, threadID, int64(decode(t, w)["thread"].(map[string]interface{})["id"].(float64)))

	// Both participants can fetch it; outsiders cannot.
	assert.Equal(t, http.StatusOK, getJSON(s.r, fmt.Sprintf("/api/threads/%d", threadID), "Authorization", bobAuth).Code)
	assert.Equal(t, http.StatusForbidden, getJSON(s.r, fmt.Sprintf("/api/threads/%d", threadID), "Authorization", carolAuth).Code)

	// The list shows the thread for alice.
	w = getJSON(s.r, "/api/threads", "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["threads"].([]interface{})
	require.Len(t, entries, 1)
}

func TestThreads_ListIncludesFriendsWithoutThread(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, _ := s.login(t, "alice")
	bobAuth, bobID := s.login(t, "bob")

	s.befriend(t, aliceAuth, bobAuth, bobID)

	// No thread opened yet, but bob appears as a startable conversation.
	w := getJSON(s.r, "/api/threads", "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["threads"].([]interface{})
	require.Len(t, entries, 1)
}

func TestMessages_SendAndList(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, _ := s.login(t, "alice")
	bobAuth, bobID := s.login(t, "bob")
	s.befriend(t, aliceAuth, bobAuth, bobID)

	w := postJSON(s.r, "/api/threads", map[string]int64{"counterpart_id": bobID}, "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	threadID := int64(decode(t, w)["thread"].(map[string]interface{})["id"].(float64))

	msgPath := fmt.Sprintf("/api/threads/%d/messages", threadID)

	w = postJSON(s.r, msgPath, map[string]string{"content": "hello bob"}, "Authorization", aliceAuth)
	require.Equal(t, http.StatusCreated, w.Code)
	w = postJSON(s.r, msgPath, map[string]string{"content": "hi alice"}, "Authorization", bobAuth)
	require.Equal(t, http.StatusCreated, w.Code)

	// Whitespace-only content is rejected.
	w = postJSON(s.r, msgPath, map[string]string{"content": "   "}, "Authorization", aliceAuth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// History comes back oldest first for either participant.
	w = getJSON(s.r, msgPath, "Authorization", bobAuth)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello bob", msgs[0].(map[string]interface{})["content"])

	// Outsiders get neither read nor write access.
	carolAuth, _ := s.login(t, "carol")
	assert.Equal(t, http.StatusForbidden, getJSON(s.r, msgPath, "Authorization", carolAuth).Code)
	w = postJSON(s.r, msgPath, map[string]string{"content": "hey"}, "Authorization", carolAuth)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUsers_MeAndUpdate(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, aliceID := s.login(t, "alice")

	w := getJSON(s.r, "/api/users/me", "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)["user"].(map[string]interface{})
	assert.Equal(t, float64(aliceID), user["id"])
	assert.Equal(t, "alice", user["handle"])

	w = patchJSON(s.r, "/api/users/me", map[string]string{
		"display_name":   "Alice A.",
		"status_message": "hacking",
	}, "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	user = decode(t, w)["user"].(map[string]interface{})
	assert.Equal(t, "Alice A.", user["display_name"])
	assert.Equal(t, "hacking", user["status_message"])

	// Empty patch is rejected.
	w = patchJSON(s.r, "/api/users/me", map[string]string{}, "Authorization", aliceAuth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsers_SearchAndGet(t *testing.T) {
	s := newChatSetup(t)
	aliceAuth, _ := s.login(t, "alice")
	bobAuth, bobID := s.login(t, "bob")
	s.login(t, "bobby")

	// Exact handle match is listed first even with prefix collisions.
	w := getJSON(s.r, "/api/users/search?q=bob", "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode(t, w)["users"].([]interface{})
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[0].(map[string]interface{})["handle"])

	// Missing query.
	assert.Equal(t, http.StatusBadRequest, getJSON(s.r, "/api/users/search", "Authorization", aliceAuth).Code)

	// Profile lookup carries the caller's relationship.
	s.befriend(t, aliceAuth, bobAuth, bobID)
	w = getJSON(s.r, fmt.Sprintf("/api/users/%d", bobID), "Authorization", aliceAuth)
	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)["user"].(map[string]interface{})
	assert.Equal(t, "friends", user["relationship"])
}
