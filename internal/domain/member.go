package domain

import "time"

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User     User
	JoinedAt time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id UserID, data UserData, joinedAt time.Time) *Member {
	return &Member{User: User{ID: id, Data: data.Clone()}, JoinedAt: joinedAt}
}
