package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aosora-chat/server/cache"
	"go.uber.org/zap"
)

// History keeps each user's recent assistant turns in the cache so a
// conversation survives reconnects but ages out on its own.
type History struct {
	c        cache.Cache
	ttl      time.Duration
	maxTurns int
	logger   *zap.Logger
}

func NewHistory(c cache.Cache, ttl time.Duration, maxTurns int, logger *zap.Logger) *History {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &History{c: c, ttl: ttl, maxTurns: maxTurns, logger: logger}
}

func historyKey(userID int64) string {
	return fmt.Sprintf("assistant:history:%d", userID)
}

// Load returns the stored turns oldest first. Entries that fail to
// decode are skipped.
func (h *History) Load(ctx context.Context, userID int64) ([]chatMessage, error) {
	raw, err := h.c.LRange(ctx, historyKey(userID), 0, int64(h.maxTurns)-1)
	if err != nil {
		return nil, err
	}
	// Stored newest first; reverse into chat order.
	turns := make([]chatMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m chatMessage
		if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
			continue
		}
		turns = append(turns, m)
	}
	return turns, nil
}

// Append stores new turns and refreshes the expiry. Failures are logged
// and swallowed: losing memory must not fail the reply.
func (h *History) Append(ctx context.Context, userID int64, turns ...chatMessage) {
	key := historyKey(userID)
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			continue
		}
		if err := h.c.LPush(ctx, key, string(b)); err != nil {
			h.logger.Warn("assistant history push failed",
				zap.Int64("user_id", userID), zap.Error(err))
			return
		}
	}
	if err := h.c.LTrim(ctx, key, 0, int64(h.maxTurns)-1); err != nil {
		h.logger.Warn("assistant history trim failed",
			zap.Int64("user_id", userID), zap.Error(err))
	}
	if err := h.c.Expire(ctx, key, h.ttl); err != nil {
		h.logger.Warn("assistant history expire failed",
			zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Clear drops the user's stored conversation.
func (h *History) Clear(ctx context.Context, userID int64) error {
	return h.c.Del(ctx, historyKey(userID))
}
