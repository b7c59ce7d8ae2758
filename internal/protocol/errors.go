package protocol

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeBadPayload       Code = "bad_payload"
	CodeUnknownType      Code = "unknown_type"
	CodeNotRegistered    Code = "not_registered"
	CodeIdentityMismatch Code = "identity_mismatch"
	CodeTargetNotFound   Code = "target_not_found"
	CodeBusy             Code = "busy"
	CodeUnknownCall      Code = "unknown_call"
	CodeNotParticipant   Code = "not_participant"
	CodeCallEnded        Code = "call_ended"
	CodeRateLimited      Code = "rate_limited"
	CodeDeliveryFailed   Code = "delivery_failed"
	CodeUnavailable      Code = "unavailable"
)

// Error is reported back to the offending connection only; the connection
// stays open.
type Error struct {
	Code      Code
	Message   string
	SessionID string
	Target    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a protocol error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ToMessage renders e as the wire "error" message for request type req.
func (e *Error) ToMessage(req Type) ErrorMessage {
	return ErrorMessage{
		Type:    TypeError,
		Message: e.Message,
		Details: ErrorDetails{
			Code:      e.Code,
			Request:   req,
			SessionID: e.SessionID,
			Target:    e.Target,
		},
	}
}
