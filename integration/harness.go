package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apirest "github.com/aosora-chat/server/api/rest"
	apisse "github.com/aosora-chat/server/api/sse"
	apows "github.com/aosora-chat/server/api/ws"
	"github.com/aosora-chat/server/cache"
	"github.com/aosora-chat/server/config"
	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/friendship"
	"github.com/aosora-chat/server/message"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/aosora-chat/server/presence"
	"github.com/aosora-chat/server/testutil"
	"github.com/aosora-chat/server/thread"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// TestServer wraps a real HTTP server with the full chat stack wired together.
type TestServer struct {
	DB       *gorm.DB
	Cache    cache.Cache
	PubSub   cache.PubSub
	Sessions *friendship.Manager
	SM       *apows.SessionManager
	Tracker  *presence.Tracker
	Server   *httptest.Server
	URL      string // http://127.0.0.1:<port>
	WSURL    string // ws://127.0.0.1:<port>/ws
	Sec      config.SecurityConfig
}

// NewTestServer creates a fully wired chat server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}

	gw := feed.NewGateway(pubsub, logger)
	threads := thread.NewMaterializer(db, gw, logger)
	sessions := friendship.NewManager(db, gw, threads, logger)
	tracker := presence.NewTracker(c, 90*time.Second, 5*time.Minute, logger)
	messages := message.NewService(db, threads, gw, 2000, logger)

	wsRouter := apows.NewRouter(logger)
	chatH := apows.NewChatHandlers(sessions, messages, tracker, logger)
	chatH.RegisterHandlers(wsRouter)
	sm := apows.NewSessionManager(logger)

	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	authH := apirest.NewAuthHandler(db, c, sec, sessions)
	userH := apirest.NewUserHandler(db, sessions, tracker)
	friendH := apirest.NewFriendHandler(db, sessions, tracker, nil)
	threadH := apirest.NewThreadHandler(sessions, threads)
	msgH := apirest.NewMessageHandler(messages, 50, nil)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(sec, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(sec, c), authH.Refresh)

		usersG := api.Group("/users")
		usersG.Use(mw.Auth(sec, c))
		usersG.GET("/me", userH.Me)
		usersG.PATCH("/me", userH.UpdateMe)
		usersG.GET("/search", userH.Search)
		usersG.GET("/:id", userH.GetUser)

		friendsG := api.Group("/friends")
		friendsG.Use(mw.Auth(sec, c))
		friendsG.GET("", friendH.ListFriends)
		friendsG.GET("/requests", friendH.ListRequests)
		friendsG.POST("/requests", friendH.SendRequest)
		friendsG.POST("/requests/:id/respond", friendH.Respond)
		friendsG.GET("/relationship/:id", friendH.Relationship)

		threadsG := api.Group("/threads")
		threadsG.Use(mw.Auth(sec, c))
		threadsG.GET("", threadH.List)
		threadsG.POST("", threadH.Open)
		threadsG.GET("/:id", threadH.Get)
		threadsG.GET("/:id/messages", msgH.List)
		threadsG.POST("/:id/messages", msgH.Send)
	}

	wsH := apows.NewHandler(c, sec, sm, sessions, gw, tracker, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	sseH := apisse.NewHandler(gw, c, sec, logger)
	r.GET("/sse", sseH.ServeSSE)

	server := httptest.NewServer(r)
	url := server.URL
	wsURL := "ws" + url[len("http"):] + "/ws"

	ts := &TestServer{
		DB:       db,
		Cache:    c,
		PubSub:   pubsub,
		Sessions: sessions,
		SM:       sm,
		Tracker:  tracker,
		Server:   server,
		URL:      url,
		WSURL:    wsURL,
		Sec:      sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server and the live sessions.
func (ts *TestServer) Close() {
	ts.SM.CloseAllSessions()
	ts.Sessions.Shutdown()
	ts.Server.Close()
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Login logs in (auto-registers on first call) and returns the token and user ID.
func (ts *TestServer) Login(t *testing.T, username, password string) (token string, userID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	userID = int64(result["user_id"].(float64))
	return
}

// Befriend runs the full request/accept handshake between two logged-in users.
func (ts *TestServer) Befriend(t *testing.T, senderToken, receiverToken string, receiverID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/friends/requests", map[string]int64{"receiver_id": receiverID}, senderToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]interface{}
	ReadJSON(t, resp, &created)
	reqID := int64(created["request"].(map[string]interface{})["id"].(float64))

	resp = ts.PostJSON(t, fmt.Sprintf("/api/friends/requests/%d/respond", reqID),
		map[string]string{"decision": "accept"}, receiverToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// OpenThread materializes the thread toward a friend and returns its id.
func (ts *TestServer) OpenThread(t *testing.T, token string, counterpartID int64) int64 {
	t.Helper()
	resp := ts.PostJSON(t, "/api/threads", map[string]int64{"counterpart_id": counterpartID}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	return int64(result["thread"].(map[string]interface{})["id"].(float64))
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// Reads happen on a dedicated goroutine so a timed-out Recv does not
// corrupt the connection.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	url := ts.WSURL + "?token=" + token
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a JSON message packet to the WebSocket.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	seq := atomic.AddUint64(&wc.seq, 1)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	pkt := map[string]interface{}{
		"seq":     seq,
		"type":    msgType,
		"payload": json.RawMessage(payloadJSON),
	}
	data, err := json.Marshal(pkt)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one message with a timeout, returning an error instead of
// failing the test.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt map[string]interface{}
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvType reads messages until one with the given type is found (within timeout).
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pkt, err := wc.RecvAny(time.Until(deadline))
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt["type"] == msgType {
			return pkt
		}
	}
	wc.t.Fatalf("timed out waiting for message type %q", msgType)
	return nil
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// PayloadMap extracts the payload from a received WS packet as a map.
func PayloadMap(t *testing.T, pkt map[string]interface{}) map[string]interface{} {
	t.Helper()
	p := pkt["payload"]
	if p == nil {
		return map[string]interface{}{}
	}
	switch v := p.(type) {
	case map[string]interface{}:
		return v
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}
}

// UniqueID returns a short unique string suitable for usernames.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
