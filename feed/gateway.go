package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aosora-chat/server/cache"
	"github.com/aosora-chat/server/model"
	"go.uber.org/zap"
)

// Gateway fans row-level change events out to per-user pub/sub channels.
// Mutators publish to every participant of the changed row, which gives
// each subscriber exactly the filter "rows involving me" without any
// server-side filter language.
type Gateway struct {
	ps     cache.PubSub
	logger *zap.Logger
}

// NewGateway creates a new Gateway.
func NewGateway(ps cache.PubSub, logger *zap.Logger) *Gateway {
	return &Gateway{ps: ps, logger: logger}
}

// UserChannel returns the pub/sub channel carrying all events that
// involve the given user.
func UserChannel(userID int64) string {
	return fmt.Sprintf("feed:user:%d", userID)
}

// PublishFriendRequest emits a friend_requests row change to both participants.
func (g *Gateway) PublishFriendRequest(ctx context.Context, op Op, row *model.FriendRequest) {
	g.publish(ctx, &Event{Op: op, Table: TableFriendRequests, FriendRequest: row},
		row.SenderID, row.ReceiverID)
}

// PublishThread emits a threads row change to both participants.
func (g *Gateway) PublishThread(ctx context.Context, op Op, row *model.Thread) {
	g.publish(ctx, &Event{Op: op, Table: TableThreads, Thread: row},
		row.UserAID, row.UserBID)
}

// PublishMessage emits a messages insert to both thread participants.
func (g *Gateway) PublishMessage(ctx context.Context, msg *model.Message, thread *model.Thread) {
	g.publish(ctx, &Event{Op: OpInsert, Table: TableMessages, Message: msg, Thread: thread},
		thread.UserAID, thread.UserBID)
}

func (g *Gateway) publish(ctx context.Context, ev *Event, userIDs ...int64) {
	payload, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("feed event marshal failed",
			zap.String("table", string(ev.Table)),
			zap.Error(err))
		return
	}
	seen := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := g.ps.Publish(ctx, UserChannel(id), string(payload)); err != nil {
			// Push is best-effort: subscribers resync on reconnect.
			g.logger.Warn("feed publish failed",
				zap.Int64("user_id", id),
				zap.String("table", string(ev.Table)),
				zap.Error(err))
		}
	}
}

// Subscribe opens the event stream for one user. The returned cancel
// function closes the subscription; the event channel is closed once the
// underlying pub/sub channel closes. Malformed payloads are dropped.
func (g *Gateway) Subscribe(ctx context.Context, userID int64) (<-chan *Event, func(), error) {
	msgCh, unsub, err := g.ps.Subscribe(ctx, UserChannel(userID))
	if err != nil {
		return nil, nil, fmt.Errorf("feed: subscribe user %d: %w", userID, err)
	}

	out := make(chan *Event, 64)
	go func() {
		defer close(out)
		for msg := range msgCh {
			ev := &Event{}
			if err := json.Unmarshal([]byte(msg.Payload), ev); err != nil {
				g.logger.Warn("malformed feed event dropped",
					zap.Int64("user_id", userID),
					zap.Error(err))
				continue
			}
			out <- ev
		}
	}()
	return out, unsub, nil
}
