// Package client drives one user's side of a call: a state machine fed by
// signaling events and user intents, a websocket transport and a reconnector.
// Every Machine method runs on the client's single event loop.
package client

import (
	"errors"

	"github.com/dkeye/ClinicCall/internal/domain"
)

type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
	StateError      State = "error"
)

// Terminal states hold until Acknowledge.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateError
}

// Active states own a call attempt.
func (s State) Active() bool {
	return s == StateCalling || s == StateConnecting || s == StateConnected
}

var (
	ErrInvalidState     = errors.New("operation not allowed in current state")
	ErrSelfCall         = errors.New("cannot call yourself")
	ErrNothingToRetry   = errors.New("nothing to retry")
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrNoOffer          = errors.New("incoming call carries no offer")
)

// Reasons the client puts on the wire or reports locally.
const (
	ReasonConnectionFailed = "connection-failed"
	ReasonTransportLost    = "transport lost"
	ReasonSessionReplaced  = "session replaced"
	ReasonCancelled        = "cancelled"
)

// Snapshot is what observers see after every transition.
type Snapshot struct {
	State    State
	CallID   domain.CallID
	Peer     domain.UserID
	Type     domain.CallType
	Incoming bool
	Caller   domain.UserData
	Reason   string
	Err      error

	AudioEnabled bool
	VideoEnabled bool
}

type Observer func(Snapshot)
