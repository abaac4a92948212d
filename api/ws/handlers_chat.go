package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aosora-chat/server/friendship"
	"github.com/aosora-chat/server/message"
	"github.com/aosora-chat/server/presence"
	"go.uber.org/zap"
)

// ChatHandlers bundles the dependencies needed by the chat WS message handlers.
type ChatHandlers struct {
	sessions *friendship.Manager
	messages *message.Service
	presence *presence.Tracker
	logger   *zap.Logger
}

// NewChatHandlers creates a new ChatHandlers.
func NewChatHandlers(sessions *friendship.Manager, messages *message.Service, tracker *presence.Tracker, logger *zap.Logger) *ChatHandlers {
	return &ChatHandlers{sessions: sessions, messages: messages, presence: tracker, logger: logger}
}

// RegisterHandlers registers all chat handlers on the given Router.
func (ch *ChatHandlers) RegisterHandlers(r *Router) {
	r.On("ping", ch.HandlePing)
	r.On("message_send", ch.HandleMessageSend)
	r.On("friend_request_send", ch.HandleFriendRequestSend)
	r.On("friend_respond", ch.HandleFriendRespond)
}

// ------------------------------------------------------------------ ping

type pingPayload struct {
	TS int64 `json:"ts"`
}

// HandlePing responds to client heartbeat pings and refreshes presence.
func (ch *ChatHandlers) HandlePing(ctx context.Context, s *ClientSession, raw json.RawMessage) error {
	var p pingPayload
	_ = json.Unmarshal(raw, &p)
	ch.presence.Heartbeat(ctx, s.UserID)
	s.SendHeartbeatPong(p.TS)
	return nil
}

// ------------------------------------------------------------------ message_send

type messageSendReq struct {
	ThreadID int64  `json:"thread_id"`
	Content  string `json:"content"`
}

// HandleMessageSend appends a message through the message service. The
// sender also receives the resulting feed event, which doubles as the
// delivery acknowledgement.
func (ch *ChatHandlers) HandleMessageSend(ctx context.Context, s *ClientSession, raw json.RawMessage) error {
	var req messageSendReq
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	if _, err := ch.messages.Send(ctx, req.ThreadID, s.UserID, req.Content); err != nil {
		switch {
		case errors.Is(err, message.ErrEmptyMessage):
			s.SendErrorPacket("message_send", "message is empty")
		case errors.Is(err, message.ErrMessageTooLong):
			s.SendErrorPacket("message_send", "message too long")
		default:
			s.SendErrorPacket("message_send", "send failed")
			return err
		}
	}
	return nil
}

// ------------------------------------------------------------------ friend_request_send

type friendRequestSendReq struct {
	ReceiverID int64 `json:"receiver_id"`
}

// HandleFriendRequestSend creates a pending friend request.
func (ch *ChatHandlers) HandleFriendRequestSend(ctx context.Context, s *ClientSession, raw json.RawMessage) error {
	var req friendRequestSendReq
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	eng, err := ch.sessions.StartSession(ctx, s.UserID)
	if err != nil {
		s.SendErrorPacket("friend_request_send", "session unavailable")
		return err
	}

	if _, err := eng.SendRequest(ctx, req.ReceiverID); err != nil {
		switch {
		case errors.Is(err, friendship.ErrSelfRequest):
			s.SendErrorPacket("friend_request_send", "cannot friend yourself")
		case errors.Is(err, friendship.ErrDuplicateRequest):
			s.SendErrorPacket("friend_request_send", "request already exists")
		default:
			s.SendErrorPacket("friend_request_send", "request failed")
			return err
		}
	}
	return nil
}

// ------------------------------------------------------------------ friend_respond

type friendRespondReq struct {
	RequestID int64               `json:"request_id"`
	Decision  friendship.Decision `json:"decision"`
}

// HandleFriendRespond accepts or rejects a pending request.
func (ch *ChatHandlers) HandleFriendRespond(ctx context.Context, s *ClientSession, raw json.RawMessage) error {
	var req friendRespondReq
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	eng, err := ch.sessions.StartSession(ctx, s.UserID)
	if err != nil {
		s.SendErrorPacket("friend_respond", "session unavailable")
		return err
	}

	if _, err := eng.Respond(ctx, req.RequestID, req.Decision); err != nil {
		switch {
		case errors.Is(err, friendship.ErrRequestNotFound):
			s.SendErrorPacket("friend_respond", "request not found")
		case errors.Is(err, friendship.ErrNotReceiver):
			s.SendErrorPacket("friend_respond", "not the receiver")
		case errors.Is(err, friendship.ErrRequestNotPending):
			s.SendErrorPacket("friend_respond", "request already resolved")
		default:
			s.SendErrorPacket("friend_respond", fmt.Sprintf("respond failed: %v", err))
			return err
		}
	}
	return nil
}
