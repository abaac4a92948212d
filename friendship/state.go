package friendship

import "github.com/aosora-chat/server/model"

// State is the relationship between the local user and a counterpart,
// derived from a friend_requests row.
type State string

const (
	StateNone            State = "none"
	StateOutgoingPending State = "outgoing-pending"
	StateIncomingPending State = "incoming-pending"
	StateFriends         State = "friends"
)

// Derive maps a friend_requests row to the relationship state from
// localID's perspective. It is the single source of this mapping; the
// engine reducer and all one-off status checks go through it.
func Derive(localID int64, r *model.FriendRequest) State {
	if r == nil || !r.Involves(localID) {
		return StateNone
	}
	switch r.Status {
	case model.FriendAccepted:
		return StateFriends
	case model.FriendPending:
		if r.SenderID == localID {
			return StateOutgoingPending
		}
		return StateIncomingPending
	default:
		// Rejected rows are terminal and equivalent to no relationship.
		return StateNone
	}
}
