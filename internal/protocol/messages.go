// Package protocol defines the JSON messages exchanged over the signaling
// websocket. Every message is a flat object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
)

type Type string

// Client to server.
const (
	TypeRegisterUser Type = "register-user"
	TypeJoinRoom     Type = "join-room"
	TypeLeaveRoom    Type = "leave-room"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeInitiateCall Type = "initiate-call"
	TypeAcceptCall   Type = "accept-call"
	TypeRejectCall   Type = "reject-call"
	TypeEndCall      Type = "end-call"
	TypePing         Type = "ping"
)

// Server to client.
const (
	TypeUserRegistered  Type = "user-registered"
	TypeRoomJoined      Type = "room-joined"
	TypeUserJoined      Type = "user-joined"
	TypeUserLeft        Type = "user-left"
	TypeIncomingCall    Type = "incoming-call"
	TypeCallInitiated   Type = "call-initiated"
	TypeCallAccepted    Type = "call-accepted"
	TypeCallRejected    Type = "call-rejected"
	TypeCallEnded       Type = "call-ended"
	TypeCallGlare       Type = "call-glare"
	TypeSessionReplaced Type = "session-replaced"
	TypeError           Type = "error"
	TypePong            Type = "pong"
)

// Reasons the server itself puts into call-ended / call-rejected.
const (
	ReasonNoAnswer     = "no-answer"
	ReasonDisconnected = "participant disconnected"
	ReasonBusy         = "busy"
	ReasonHangup       = "hangup"
	ReasonShutdown     = "server shutdown"
)

// Envelope is decoded first to pick the concrete payload.
type Envelope struct {
	Type Type `json:"type"`
}

type RegisterUser struct {
	Type     Type            `json:"type"`
	UserID   string          `json:"userId" validate:"required,max=64"`
	UserData domain.UserData `json:"userData,omitempty"`
}

type JoinRoom struct {
	Type     Type            `json:"type"`
	Room     string          `json:"room" validate:"required,max=64"`
	UserID   string          `json:"userId" validate:"required,max=64"`
	UserData domain.UserData `json:"userData,omitempty"`
}

type LeaveRoom struct {
	Type Type   `json:"type"`
	Room string `json:"room" validate:"required,max=64"`
}

// Relay is shared by offer, answer and ice-candidate. Exactly the payload
// field matching Type is forwarded, byte for byte.
type Relay struct {
	Type      Type            `json:"type"`
	To        string          `json:"to,omitempty" validate:"required,max=64"`
	From      string          `json:"from,omitempty"`
	SessionID string          `json:"sessionId,omitempty" validate:"max=128"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Payload returns the opaque negotiation blob carried for r.Type.
func (r Relay) Payload() json.RawMessage {
	switch r.Type {
	case TypeOffer:
		return r.Offer
	case TypeAnswer:
		return r.Answer
	case TypeICECandidate:
		return r.Candidate
	}
	return nil
}

type InitiateCall struct {
	Type      Type            `json:"type"`
	To        string          `json:"to" validate:"required,max=64"`
	Caller    domain.UserData `json:"caller,omitempty"`
	CallType  string          `json:"callType,omitempty" validate:"omitempty,oneof=audio video"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	SessionID string          `json:"sessionId,omitempty" validate:"max=128"`
}

type AcceptCall struct {
	Type      Type            `json:"type"`
	To        string          `json:"to,omitempty" validate:"max=64"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	SessionID string          `json:"sessionId" validate:"required,max=128"`
	CallerID  string          `json:"callerId,omitempty" validate:"max=64"`
}

type RejectCall struct {
	Type      Type   `json:"type"`
	To        string `json:"to,omitempty" validate:"max=64"`
	SessionID string `json:"sessionId" validate:"required,max=128"`
	Reason    string `json:"reason,omitempty" validate:"max=256"`
}

type EndCall struct {
	Type      Type   `json:"type"`
	To        string `json:"to,omitempty" validate:"max=64"`
	SessionID string `json:"sessionId" validate:"required,max=128"`
	Reason    string `json:"reason,omitempty" validate:"max=256"`
}

type UserRegistered struct {
	Type   Type          `json:"type"`
	UserID domain.UserID `json:"userId"`
}

type RoomJoined struct {
	Type         Type             `json:"type"`
	Room         domain.RoomName  `json:"room"`
	Participants []core.MemberDTO `json:"participants"`
}

type UserJoined struct {
	Type         Type             `json:"type"`
	Room         domain.RoomName  `json:"room"`
	UserID       domain.UserID    `json:"userId"`
	UserData     domain.UserData  `json:"userData,omitempty"`
	Participants []core.MemberDTO `json:"participants"`
}

type UserLeft struct {
	Type         Type             `json:"type"`
	Room         domain.RoomName  `json:"room"`
	UserID       domain.UserID    `json:"userId"`
	Participants []core.MemberDTO `json:"participants"`
}

type IncomingCall struct {
	Type      Type            `json:"type"`
	SessionID domain.CallID   `json:"sessionId"`
	From      domain.UserID   `json:"from"`
	Caller    domain.UserData `json:"caller,omitempty"`
	CallType  domain.CallType `json:"callType"`
	Offer     json.RawMessage `json:"offer,omitempty"`
}

type CallInitiated struct {
	Type      Type          `json:"type"`
	SessionID domain.CallID `json:"sessionId"`
	Callee    domain.UserID `json:"callee"`
}

type CallAccepted struct {
	Type      Type            `json:"type"`
	SessionID domain.CallID   `json:"sessionId"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	CallerID  domain.UserID   `json:"callerId"`
	From      domain.UserID   `json:"from"`
}

type CallRejected struct {
	Type      Type          `json:"type"`
	SessionID domain.CallID `json:"sessionId"`
	Reason    string        `json:"reason,omitempty"`
	From      domain.UserID `json:"from,omitempty"`
}

type CallEnded struct {
	Type      Type          `json:"type"`
	SessionID domain.CallID `json:"sessionId"`
	Reason    string        `json:"reason,omitempty"`
	EndedBy   domain.UserID `json:"endedBy,omitempty"`
	// Duration in whole seconds since the call was answered.
	Duration int64 `json:"duration"`
}

// CallGlare tells a caller that its attempt collided with an incoming call
// from the same peer; the existing call is the one that survives.
type CallGlare struct {
	Type              Type          `json:"type"`
	SessionID         domain.CallID `json:"sessionId"`
	ExistingSessionID domain.CallID `json:"existingSessionId"`
	From              domain.UserID `json:"from"`
}

type SessionReplaced struct {
	Type   Type          `json:"type"`
	UserID domain.UserID `json:"userId"`
}

type ErrorMessage struct {
	Type    Type         `json:"type"`
	Message string       `json:"message"`
	Details ErrorDetails `json:"details"`
}

type ErrorDetails struct {
	Code      Code   `json:"code"`
	Request   Type   `json:"request,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Target    string `json:"target,omitempty"`
}

type Pong struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`
}
