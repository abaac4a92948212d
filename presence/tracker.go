package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aosora-chat/server/cache"
	"go.uber.org/zap"
)

// Status is a user's presence as shown next to their name.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

const onlineSetKey = "presence:online"

// Tracker derives presence from heartbeat keys in the cache. A user is
// online while their key is fresh, away once the last heartbeat is older
// than awayAfter, and offline after the key's TTL lapses. Because the
// state lives in the cache, every server instance sees the same answer.
type Tracker struct {
	c         cache.Cache
	ttl       time.Duration
	awayAfter time.Duration
	logger    *zap.Logger
}

// NewTracker creates a Tracker. ttl bounds how long a silent connection
// still counts as present; awayAfter is the online→away threshold. The
// away state only exists while the heartbeat key is still alive, so ttl
// must exceed awayAfter; values that do not are stretched.
func NewTracker(c cache.Cache, ttl, awayAfter time.Duration, logger *zap.Logger) *Tracker {
	if awayAfter <= 0 {
		awayAfter = 5 * time.Minute
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if ttl <= awayAfter {
		ttl = 2 * awayAfter
	}
	return &Tracker{c: c, ttl: ttl, awayAfter: awayAfter, logger: logger}
}

func presenceKey(userID int64) string {
	return fmt.Sprintf("presence:%d", userID)
}

// Heartbeat marks the user present now. Called on WS connect and on
// every heartbeat packet.
func (t *Tracker) Heartbeat(ctx context.Context, userID int64) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := t.c.Set(ctx, presenceKey(userID), now, t.ttl); err != nil {
		t.logger.Warn("presence heartbeat failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	_ = t.c.SAdd(ctx, onlineSetKey, strconv.FormatInt(userID, 10))
}

// Disconnect clears the user's presence immediately.
func (t *Tracker) Disconnect(ctx context.Context, userID int64) {
	_ = t.c.Del(ctx, presenceKey(userID))
	_ = t.c.SRem(ctx, onlineSetKey, strconv.FormatInt(userID, 10))
}

// Get returns the user's current presence.
func (t *Tracker) Get(ctx context.Context, userID int64) Status {
	v, err := t.c.Get(ctx, presenceKey(userID))
	if err != nil {
		return StatusOffline
	}
	last, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return StatusOffline
	}
	if time.Since(time.Unix(last, 0)) > t.awayAfter {
		return StatusAway
	}
	return StatusOnline
}

// IsOnline reports whether the user currently counts as present.
func (t *Tracker) IsOnline(ctx context.Context, userID int64) bool {
	return t.Get(ctx, userID) != StatusOffline
}

// Sweep drops members of the online set whose heartbeat key has
// expired. Run periodically by the scheduler.
func (t *Tracker) Sweep(ctx context.Context) {
	members, err := t.c.SMembers(ctx, onlineSetKey)
	if err != nil {
		t.logger.Warn("presence sweep failed", zap.Error(err))
		return
	}
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			_ = t.c.SRem(ctx, onlineSetKey, m)
			continue
		}
		exists, err := t.c.Exists(ctx, presenceKey(id))
		if err == nil && !exists {
			_ = t.c.SRem(ctx, onlineSetKey, m)
		}
	}
}
