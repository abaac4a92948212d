package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aosora-chat/server/cache"
	"github.com/aosora-chat/server/config"
	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/friendship"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/aosora-chat/server/presence"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler is the Gin handler for GET /ws.
type Handler struct {
	cache    cache.Cache
	sec      config.SecurityConfig
	sm       *SessionManager
	sessions *friendship.Manager
	gw       *feed.Gateway
	presence *presence.Tracker
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	c cache.Cache,
	sec config.SecurityConfig,
	sm *SessionManager,
	sessions *friendship.Manager,
	gw *feed.Gateway,
	tracker *presence.Tracker,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		cache:    c,
		sec:      sec,
		sm:       sm,
		sessions: sessions,
		gw:       gw,
		presence: tracker,
		router:   router,
		logger:   logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	// Validate JWT.
	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	// Validate session cache.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.cache.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	// The relationship view must be live before the first packet.
	if _, err := h.sessions.StartSession(c.Request.Context(), claims.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session init failed"})
		return
	}

	// Upgrade to WebSocket.
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := NewClientSession(claims.UserID, conn, h.logger)
	h.sm.Register(sess)
	h.presence.Heartbeat(context.Background(), sess.UserID)

	go h.forwardFeed(sess)

	// Blocks until the connection closes.
	h.readPump(sess)
}

// forwardFeed pushes the user's change-feed events down the socket as
// "feed" packets until the session or the subscription ends.
func (h *Handler) forwardFeed(s *ClientSession) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsub, err := h.gw.Subscribe(ctx, s.UserID)
	if err != nil {
		h.logger.Error("ws feed subscribe failed",
			zap.Int64("user_id", s.UserID), zap.Error(err))
		return
	}
	defer unsub()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			s.Send(&Packet{Type: "feed", Payload: payload})
		case <-s.Done:
			return
		}
	}
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *ClientSession) {
	defer func() {
		h.handleDisconnect(s)
	}()

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("user_id", s.UserID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.SetReadDeadline()
		h.router.Dispatch(s, raw)
	}
}

// handleDisconnect cleans up the session after the connection closes.
// The relationship view stays warm; only the transport-level state and
// presence are dropped, so a quick reconnect resumes cheaply.
func (h *Handler) handleDisconnect(s *ClientSession) {
	s.Close()
	h.sm.Unregister(s)
	h.presence.Disconnect(context.Background(), s.UserID)
	h.logger.Info("client disconnected", zap.Int64("user_id", s.UserID))
}
