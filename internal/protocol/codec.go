package protocol

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses one inbound frame into its concrete message struct.
// The returned value is a pointer to one of the client-to-server types.
func Decode(data []byte) (Type, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, &Error{Code: CodeBadPayload, Message: "bad json", Err: err}
	}

	var msg any
	switch env.Type {
	case TypeRegisterUser:
		msg = &RegisterUser{}
	case TypeJoinRoom:
		msg = &JoinRoom{}
	case TypeLeaveRoom:
		msg = &LeaveRoom{}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		msg = &Relay{}
	case TypeInitiateCall:
		msg = &InitiateCall{}
	case TypeAcceptCall:
		msg = &AcceptCall{}
	case TypeRejectCall:
		msg = &RejectCall{}
	case TypeEndCall:
		msg = &EndCall{}
	case TypePing:
		return env.Type, &env, nil
	default:
		return env.Type, nil, Errorf(CodeUnknownType, "unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return env.Type, nil, &Error{Code: CodeBadPayload, Message: "bad payload", Err: err}
	}
	if err := validate.Struct(msg); err != nil {
		return env.Type, nil, &Error{Code: CodeBadPayload, Message: describe(err), Err: err}
	}
	if r, ok := msg.(*Relay); ok && len(r.Payload()) == 0 {
		return env.Type, nil, Errorf(CodeBadPayload, "%s without payload", env.Type)
	}
	return env.Type, msg, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid field " + fe.Field() + " (" + fe.Tag() + ")"
	}
	return "invalid payload"
}

// Encode marshals a server message into a frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeEvent parses one frame received by a client into its concrete
// server-to-client struct. Relayed offer, answer and ice-candidate frames
// decode to *Relay.
func DecodeEvent(data []byte) (Type, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, &Error{Code: CodeBadPayload, Message: "bad json", Err: err}
	}

	var msg any
	switch env.Type {
	case TypeUserRegistered:
		msg = &UserRegistered{}
	case TypeRoomJoined:
		msg = &RoomJoined{}
	case TypeUserJoined:
		msg = &UserJoined{}
	case TypeUserLeft:
		msg = &UserLeft{}
	case TypeIncomingCall:
		msg = &IncomingCall{}
	case TypeCallInitiated:
		msg = &CallInitiated{}
	case TypeCallAccepted:
		msg = &CallAccepted{}
	case TypeCallRejected:
		msg = &CallRejected{}
	case TypeCallEnded:
		msg = &CallEnded{}
	case TypeCallGlare:
		msg = &CallGlare{}
	case TypeSessionReplaced:
		msg = &SessionReplaced{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypePong:
		msg = &Pong{}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		msg = &Relay{}
	default:
		return env.Type, nil, Errorf(CodeUnknownType, "unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return env.Type, nil, &Error{Code: CodeBadPayload, Message: "bad payload", Err: err}
	}
	return env.Type, msg, nil
}
