package model

import (
	"fmt"
	"time"
)

// Thread is a materialized conversation container for one user pair.
// PairKey is the canonical unordered-pair identity; duplicate rows sharing
// a key can appear under concurrent creation and are merged by the
// reconcile pass, so the index is deliberately not unique.
type Thread struct {
	ID      int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	PairKey string `gorm:"index:idx_thread_pair;size:48;not null" json:"pair_key"`

	// Participant ids are stored sorted (UserAID < UserBID).
	UserAID int64 `gorm:"not null" json:"user_a_id"`
	UserBID int64 `gorm:"not null" json:"user_b_id"`

	// Denormalized display fields for both sides, filled at creation.
	UserAName   string `gorm:"size:64" json:"user_a_name"`
	UserAHandle string `gorm:"size:32" json:"user_a_handle"`
	UserAAvatar string `gorm:"size:256" json:"user_a_avatar"`
	UserBName   string `gorm:"size:64" json:"user_b_name"`
	UserBHandle string `gorm:"size:32" json:"user_b_handle"`
	UserBAvatar string `gorm:"size:256" json:"user_b_avatar"`

	LastMessage   string     `gorm:"size:256" json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// PairKeyFor computes the canonical key for an unordered user pair.
// Every client computes the same key regardless of who creates the thread.
func PairKeyFor(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// Involves reports whether userID participates in this thread.
func (t *Thread) Involves(userID int64) bool {
	return t.UserAID == userID || t.UserBID == userID
}

// Counterpart returns the other participant's id from localID's perspective.
func (t *Thread) Counterpart(localID int64) int64 {
	if t.UserAID == localID {
		return t.UserBID
	}
	return t.UserAID
}
