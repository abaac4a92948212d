package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/model"
	"github.com/aosora-chat/server/thread"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content exceeds the limit")
)

// Service appends and reads the per-thread message log. Every send also
// denormalizes the preview onto the thread row and pushes a feed event
// to both participants.
type Service struct {
	db      *gorm.DB
	threads *thread.Materializer
	gw      *feed.Gateway
	maxLen  int
	logger  *zap.Logger
}

// NewService creates a message Service.
func NewService(db *gorm.DB, threads *thread.Materializer, gw *feed.Gateway, maxLen int, logger *zap.Logger) *Service {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &Service{db: db, threads: threads, gw: gw, maxLen: maxLen, logger: logger}
}

// Send appends one message to the thread. The sender must be a
// participant; content is trimmed and length-checked.
func (s *Service) Send(ctx context.Context, threadID, senderID int64, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len([]rune(content)) > s.maxLen {
		return nil, ErrMessageTooLong
	}

	t, err := s.threads.Get(ctx, threadID, senderID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ThreadID: t.ID,
		SenderID: senderID,
		Content:  content,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}

	if err := s.threads.RecordPreview(ctx, t.ID, content, msg.CreatedAt); err != nil {
		// The message is durable; a stale preview self-heals on the
		// next send. Log and carry on.
		s.logger.Warn("preview update failed",
			zap.Int64("thread_id", t.ID),
			zap.Error(err))
	} else {
		t.LastMessage = content
		ts := msg.CreatedAt
		t.LastMessageAt = &ts
	}

	s.gw.PublishMessage(ctx, msg, t)
	return msg, nil
}

// List returns up to limit messages of the thread in created_at
// ascending order, after verifying membership.
func (s *Service) List(ctx context.Context, threadID, localID int64, limit int) ([]model.Message, error) {
	if _, err := s.threads.Get(ctx, threadID, localID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("message: list thread %d: %w", threadID, err)
	}
	return msgs, nil
}

// Before returns up to limit messages older than the given time, for
// paging backwards through history. The result is ascending like List.
func (s *Service) Before(ctx context.Context, threadID, localID int64, before time.Time, limit int) ([]model.Message, error) {
	if _, err := s.threads.Get(ctx, threadID, localID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND created_at < ?", threadID, before).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("message: page thread %d: %w", threadID, err)
	}
	// Reverse into ascending order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
