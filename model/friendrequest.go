package model

import "time"

// FriendRequestStatus is the lifecycle state of a friend request row.
type FriendRequestStatus string

const (
	FriendPending  FriendRequestStatus = "pending"
	FriendAccepted FriendRequestStatus = "accepted"
	FriendRejected FriendRequestStatus = "rejected"
)

// FriendRequest is a directed relationship proposal between two users.
// At most one active (pending or accepted) row exists per unordered pair;
// rejected rows are terminal and do not block a fresh request.
type FriendRequest struct {
	ID         int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID   int64               `gorm:"index:idx_friend_pair;not null" json:"sender_id"`
	ReceiverID int64               `gorm:"index:idx_friend_pair;not null" json:"receiver_id"`
	Status     FriendRequestStatus `gorm:"type:varchar(16);default:'pending'" json:"status"`
	CreatedAt  time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// Involves reports whether userID is a participant of this request.
func (r *FriendRequest) Involves(userID int64) bool {
	return r.SenderID == userID || r.ReceiverID == userID
}

// Counterpart returns the other participant from localID's perspective.
func (r *FriendRequest) Counterpart(localID int64) int64 {
	if r.SenderID == localID {
		return r.ReceiverID
	}
	return r.SenderID
}

// Active reports whether the row still blocks a new request for the pair.
func (r *FriendRequest) Active() bool {
	return r.Status == FriendPending || r.Status == FriendAccepted
}
