package domain

import (
	"errors"
	"slices"
	"time"
)

type CallID string

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

var ErrUnknownCallType = errors.New("unknown call type")

// ParseCallType defaults to video, the portal's usual consultation mode.
func ParseCallType(raw string) (CallType, error) {
	switch CallType(raw) {
	case "":
		return CallTypeVideo, nil
	case CallTypeAudio, CallTypeVideo:
		return CallType(raw), nil
	default:
		return "", ErrUnknownCallType
	}
}

type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallInProgress CallStatus = "in-progress"
	CallRejected   CallStatus = "rejected"
	CallEnded      CallStatus = "ended"
)

// Terminal reports whether no further transition is possible.
func (s CallStatus) Terminal() bool {
	return s == CallRejected || s == CallEnded
}

// CanTransition enforces the forward-only status order.
func CanTransition(from, to CallStatus) bool {
	switch from {
	case CallInitiated:
		return to == CallInProgress || to == CallRejected || to == CallEnded
	case CallInProgress:
		return to == CallEnded
	default:
		return false
	}
}

// Call is one tracked attempt. Participants are identities, never sessions,
// so a call outlives the connection of any of its members.
type Call struct {
	ID           CallID
	Initiator    UserID
	Target       UserID
	Participants []UserID
	Status       CallStatus
	Type         CallType
	StartedAt    time.Time
	AnsweredAt   time.Time
	EndedAt      time.Time
}

func NewCall(id CallID, initiator, target UserID, typ CallType, now time.Time) *Call {
	return &Call{
		ID:           id,
		Initiator:    initiator,
		Target:       target,
		Participants: []UserID{initiator},
		Status:       CallInitiated,
		Type:         typ,
		StartedAt:    now,
	}
}

func (c *Call) HasParticipant(uid UserID) bool {
	return slices.Contains(c.Participants, uid)
}

// Involves covers the ringing target, who is not a participant until accept.
func (c *Call) Involves(uid UserID) bool {
	return c.Initiator == uid || c.Target == uid
}

// Peer returns the other side of the call for uid.
func (c *Call) Peer(uid UserID) UserID {
	if uid == c.Initiator {
		return c.Target
	}
	return c.Initiator
}

func (c *Call) Answered() bool {
	return !c.AnsweredAt.IsZero()
}

// Duration counts from the answer; an unanswered call lasted zero.
func (c *Call) Duration() time.Duration {
	if !c.Answered() || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.AnsweredAt)
}

type RecordStatus string

const (
	RecordCompleted RecordStatus = "completed"
	RecordMissed    RecordStatus = "missed"
	RecordRejected  RecordStatus = "rejected"
)

// CallRecord is the append-only audit entry of a finished call.
type CallRecord struct {
	CallID       CallID       `json:"callId"`
	Initiator    UserID       `json:"initiator"`
	Target       UserID       `json:"target"`
	Participants []UserID     `json:"participants"`
	Type         CallType     `json:"type"`
	StartedAt    time.Time    `json:"startedAt"`
	AnsweredAt   *time.Time   `json:"answeredAt,omitempty"`
	EndedAt      time.Time    `json:"endedAt"`
	DurationSec  int64        `json:"durationSec"`
	Status       RecordStatus `json:"status"`
	EndedBy      UserID       `json:"endedBy,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// RecordOf builds the audit entry for a call in a terminal status.
func RecordOf(c *Call, endedBy UserID, reason string) CallRecord {
	rec := CallRecord{
		CallID:       c.ID,
		Initiator:    c.Initiator,
		Target:       c.Target,
		Participants: slices.Clone(c.Participants),
		Type:         c.Type,
		StartedAt:    c.StartedAt,
		EndedAt:      c.EndedAt,
		DurationSec:  int64(c.Duration() / time.Second),
		EndedBy:      endedBy,
		Reason:       reason,
	}
	if c.Answered() {
		at := c.AnsweredAt
		rec.AnsweredAt = &at
	}
	switch {
	case c.Status == CallRejected:
		rec.Status = RecordRejected
	case c.Answered():
		rec.Status = RecordCompleted
	default:
		rec.Status = RecordMissed
	}
	return rec
}
