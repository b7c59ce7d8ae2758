package core

import (
	"time"

	"github.com/dkeye/ClinicCall/internal/domain"
)

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID       domain.UserID   `json:"userId"`
	Data     domain.UserData `json:"userData,omitempty"`
	JoinedAt time.Time       `json:"joinedAt"`
}

// RoomMember pairs the membership meta with the connection it arrived on.
type RoomMember struct {
	Conn   ConnID
	Meta   *domain.Member
	Signal SignalConnection
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	Has(conn ConnID) bool
	MembersSnapshot() []MemberDTO
	Members() []RoomMember

	// AddMember reports false when conn was already a member.
	AddMember(m RoomMember) bool
	RemoveMember(conn ConnID) (RoomMember, bool)
	// Rebind moves a membership to a new connection, keeping its meta.
	Rebind(from, to ConnID, signal SignalConnection) bool
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"client_count"`
}
