package thread

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrNotParticipant = errors.New("user is not a participant of this thread")
)

// Entry is one display-ready row of the merged conversation list. A
// friend without a materialized thread appears with ThreadID 0 and an
// empty preview.
type Entry struct {
	ThreadID      int64      `json:"thread_id"`
	CounterpartID int64      `json:"counterpart_id"`
	Name          string     `json:"name"`
	Handle        string     `json:"handle"`
	AvatarURL     string     `json:"avatar_url"`
	LastMessage   string     `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
}

// Materializer guarantees one canonical thread per user pair and builds
// the merged, ordered conversation list. Duplicate rows created by the
// concurrent check-then-create race are hidden by render-time dedupe and
// merged for good by Reconcile.
type Materializer struct {
	db     *gorm.DB
	gw     *feed.Gateway
	logger *zap.Logger
}

// NewMaterializer creates a Materializer.
func NewMaterializer(db *gorm.DB, gw *feed.Gateway, logger *zap.Logger) *Materializer {
	return &Materializer{db: db, gw: gw, logger: logger}
}

// EnsureThread returns the canonical thread for the pair, creating it if
// absent. Sequential calls are idempotent; both participants compute the
// same pair key, so whoever gets there first wins. Display fields for
// both sides are denormalized from the users table at creation time.
func (m *Materializer) EnsureThread(ctx context.Context, userA, userB int64) (*model.Thread, error) {
	key := model.PairKeyFor(userA, userB)

	if t, err := m.findCanonical(ctx, key); err == nil {
		return t, nil
	} else if !errors.Is(err, ErrThreadNotFound) {
		return nil, err
	}

	a, b := userA, userB
	if a > b {
		a, b = b, a
	}
	var ua, ub model.User
	if err := m.db.WithContext(ctx).First(&ua, a).Error; err != nil {
		return nil, fmt.Errorf("thread: load user %d: %w", a, err)
	}
	if err := m.db.WithContext(ctx).First(&ub, b).Error; err != nil {
		return nil, fmt.Errorf("thread: load user %d: %w", b, err)
	}

	t := &model.Thread{
		PairKey:     key,
		UserAID:     a,
		UserBID:     b,
		UserAName:   ua.DisplayName,
		UserAHandle: ua.Handle,
		UserAAvatar: ua.AvatarURL,
		UserBName:   ub.DisplayName,
		UserBHandle: ub.Handle,
		UserBAvatar: ub.AvatarURL,
	}
	if err := m.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("thread: create %s: %w", key, err)
	}
	m.gw.PublishThread(ctx, feed.OpInsert, t)
	return t, nil
}

// Get loads a thread and verifies membership.
func (m *Materializer) Get(ctx context.Context, threadID, localID int64) (*model.Thread, error) {
	var t model.Thread
	err := m.db.WithContext(ctx).First(&t, threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread: load %d: %w", threadID, err)
	}
	if !t.Involves(localID) {
		return nil, ErrNotParticipant
	}
	return &t, nil
}

// ListThreads builds the merged conversation list for localID:
// materialized threads ordered by last message time descending (threads
// without messages last), followed by friends that have no thread yet as
// zero-preview entries. Each counterpart appears exactly once.
func (m *Materializer) ListThreads(ctx context.Context, localID int64, friendIDs []int64) ([]Entry, error) {
	var rows []model.Thread
	err := m.db.WithContext(ctx).
		Where("user_a_id = ? OR user_b_id = ?", localID, localID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("thread: list for user %d: %w", localID, err)
	}

	// Render-time dedupe: the earliest row per pair key is canonical,
	// but a duplicate holding a fresher preview contributes it.
	canonical := make(map[string]*model.Thread, len(rows))
	for i := range rows {
		t := &rows[i]
		cur, ok := canonical[t.PairKey]
		if !ok {
			canonical[t.PairKey] = t
			continue
		}
		if laterPreview(t, cur) {
			cur.LastMessage = t.LastMessage
			cur.LastMessageAt = t.LastMessageAt
		}
	}

	entries := make([]Entry, 0, len(canonical)+len(friendIDs))
	seen := make(map[int64]struct{}, len(canonical))
	for _, t := range canonical {
		counterpart := t.Counterpart(localID)
		seen[counterpart] = struct{}{}
		entries = append(entries, entryFor(t, localID))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].LastMessageAt, entries[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return entries[i].CounterpartID < entries[j].CounterpartID
		case a == nil:
			return false // empty previews sort last
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})

	// Friends with no thread yet, appended as zero-preview entries.
	var missing []int64
	for _, id := range friendIDs {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		var users []model.User
		if err := m.db.WithContext(ctx).Find(&users, missing).Error; err != nil {
			return nil, fmt.Errorf("thread: load friends: %w", err)
		}
		sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
		for i := range users {
			u := &users[i]
			entries = append(entries, Entry{
				CounterpartID: u.ID,
				Name:          u.DisplayName,
				Handle:        u.Handle,
				AvatarURL:     u.AvatarURL,
			})
		}
	}
	return entries, nil
}

// RecordPreview denormalizes the latest message onto the thread row.
// It writes the preview only; the message itself lives in its own table.
func (m *Materializer) RecordPreview(ctx context.Context, threadID int64, text string, ts time.Time) error {
	err := m.db.WithContext(ctx).Model(&model.Thread{}).
		Where("id = ?", threadID).
		Updates(map[string]interface{}{
			"last_message":    truncPreview(text),
			"last_message_at": ts,
		}).Error
	if err != nil {
		return fmt.Errorf("thread: record preview %d: %w", threadID, err)
	}
	return nil
}

// Reconcile merges duplicate thread rows sharing a pair key: messages
// are repointed at the earliest row, the freshest preview is kept, and
// the duplicates are deleted. Safe to run repeatedly; scheduled
// periodically to repair the concurrent-create race for good.
func (m *Materializer) Reconcile(ctx context.Context) error {
	var keys []string
	err := m.db.WithContext(ctx).Model(&model.Thread{}).
		Select("pair_key").
		Group("pair_key").
		Having("COUNT(*) > 1").
		Pluck("pair_key", &keys).Error
	if err != nil {
		return fmt.Errorf("thread: reconcile scan: %w", err)
	}

	for _, key := range keys {
		if err := m.mergeDuplicates(ctx, key); err != nil {
			m.logger.Error("thread reconcile failed",
				zap.String("pair_key", key),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Materializer) mergeDuplicates(ctx context.Context, key string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dups []model.Thread
		if err := tx.Where("pair_key = ?", key).Order("created_at asc, id asc").Find(&dups).Error; err != nil {
			return err
		}
		if len(dups) < 2 {
			return nil
		}
		keeper := &dups[0]
		for i := 1; i < len(dups); i++ {
			dup := &dups[i]
			if err := tx.Model(&model.Message{}).
				Where("thread_id = ?", dup.ID).
				Update("thread_id", keeper.ID).Error; err != nil {
				return err
			}
			if laterPreview(dup, keeper) {
				keeper.LastMessage = dup.LastMessage
				keeper.LastMessageAt = dup.LastMessageAt
			}
			if err := tx.Delete(&model.Thread{}, dup.ID).Error; err != nil {
				return err
			}
		}
		if err := tx.Save(keeper).Error; err != nil {
			return err
		}
		m.logger.Info("merged duplicate threads",
			zap.String("pair_key", key),
			zap.Int("removed", len(dups)-1))
		return nil
	})
}

func laterPreview(a, b *model.Thread) bool {
	if a.LastMessageAt == nil {
		return false
	}
	if b.LastMessageAt == nil {
		return true
	}
	return a.LastMessageAt.After(*b.LastMessageAt)
}

func entryFor(t *model.Thread, localID int64) Entry {
	e := Entry{
		ThreadID:      t.ID,
		CounterpartID: t.Counterpart(localID),
		LastMessage:   t.LastMessage,
		LastMessageAt: t.LastMessageAt,
	}
	// Each viewer sees the other party's display fields.
	if localID == t.UserAID {
		e.Name, e.Handle, e.AvatarURL = t.UserBName, t.UserBHandle, t.UserBAvatar
	} else {
		e.Name, e.Handle, e.AvatarURL = t.UserAName, t.UserAHandle, t.UserAAvatar
	}
	return e
}

const previewMaxLen = 200

func truncPreview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewMaxLen {
		return s
	}
	return string(runes[:previewMaxLen])
}

func (m *Materializer) findCanonical(ctx context.Context, key string) (*model.Thread, error) {
	var t model.Thread
	err := m.db.WithContext(ctx).
		Where("pair_key = ?", key).
		Order("created_at asc, id asc").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread: find %s: %w", key, err)
	}
	return &t, nil
}
