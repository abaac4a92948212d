package feed

import (
	"github.com/aosora-chat/server/model"
)

// Op is the kind of row change an event describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table names the store table an event originated from.
type Table string

const (
	TableFriendRequests Table = "friend_requests"
	TableThreads        Table = "threads"
	TableMessages       Table = "messages"
)

// Event is one row-level change notification. Exactly one of the row
// pointers matching Table is set; for messages the owning thread is
// attached so list views can refresh previews without a re-query.
//
// Events for the same row are published after the serialized DB write
// and therefore arrive in commit order; events for different rows may
// interleave arbitrarily and consumers must not rely on a global order.
type Event struct {
	Op    Op    `json:"op"`
	Table Table `json:"table"`

	FriendRequest *model.FriendRequest `json:"friend_request,omitempty"`
	Thread        *model.Thread        `json:"thread,omitempty"`
	Message       *model.Message       `json:"message,omitempty"`
}
