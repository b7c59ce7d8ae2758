package protocol

import (
	"bytes"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantType Type
		wantCode Code
	}{
		{name: "register", in: `{"type":"register-user","userId":"x","userData":{"name":"Dr X"}}`, wantType: TypeRegisterUser},
		{name: "join", in: `{"type":"join-room","room":"abc","userId":"x"}`, wantType: TypeJoinRoom},
		{name: "join missing room", in: `{"type":"join-room","userId":"x"}`, wantType: TypeJoinRoom, wantCode: CodeBadPayload},
		{name: "offer", in: `{"type":"offer","to":"y","offer":{"sdp":"v=0"},"sessionId":"c1"}`, wantType: TypeOffer},
		{name: "offer without payload", in: `{"type":"offer","to":"y","sessionId":"c1"}`, wantType: TypeOffer, wantCode: CodeBadPayload},
		{name: "candidate without target", in: `{"type":"ice-candidate","candidate":{}}`, wantType: TypeICECandidate, wantCode: CodeBadPayload},
		{name: "initiate bad call type", in: `{"type":"initiate-call","to":"y","callType":"fax"}`, wantType: TypeInitiateCall, wantCode: CodeBadPayload},
		{name: "accept", in: `{"type":"accept-call","to":"x","sessionId":"c1","answer":{"sdp":"v=0"}}`, wantType: TypeAcceptCall},
		{name: "end without session", in: `{"type":"end-call","to":"x"}`, wantType: TypeEndCall, wantCode: CodeBadPayload},
		{name: "ping", in: `{"type":"ping"}`, wantType: TypePing},
		{name: "unknown", in: `{"type":"teleport"}`, wantType: "teleport", wantCode: CodeUnknownType},
		{name: "garbage", in: `not json`, wantCode: CodeBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, msg, err := Decode([]byte(tt.in))
			if typ != tt.wantType {
				t.Fatalf("type = %q, want %q", typ, tt.wantType)
			}
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if msg == nil {
					t.Fatalf("nil message")
				}
				return
			}
			pe, ok := AsError(err)
			if !ok {
				t.Fatalf("expected protocol error, got %v", err)
			}
			if pe.Code != tt.wantCode {
				t.Fatalf("code = %s, want %s", pe.Code, tt.wantCode)
			}
		})
	}
}

func TestRelayPayloadIsVerbatim(t *testing.T) {
	raw := `{"sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1","type":"offer","x-extra":[1,2,3]}`
	_, msg, err := Decode([]byte(`{"type":"offer","to":"y","sessionId":"c1","offer":` + raw + `}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := msg.(*Relay)
	if !bytes.Equal(r.Payload(), []byte(raw)) {
		t.Fatalf("payload changed:\n got %s\nwant %s", r.Payload(), raw)
	}
}

func TestDecodeEvent(t *testing.T) {
	typ, msg, err := DecodeEvent([]byte(`{"type":"error","message":"gone","details":{"code":"call_ended","sessionId":"c1"}}`))
	if err != nil || typ != TypeError {
		t.Fatalf("decode: %v %v", typ, err)
	}
	em := msg.(*ErrorMessage)
	if em.Details.Code != CodeCallEnded || em.Details.SessionID != "c1" {
		t.Fatalf("details = %+v", em.Details)
	}

	_, msg, err = DecodeEvent([]byte(`{"type":"ice-candidate","from":"y","sessionId":"c1","candidate":{"candidate":"x"}}`))
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if r := msg.(*Relay); r.From != "y" || len(r.Payload()) == 0 {
		t.Fatalf("relay = %+v", r)
	}

	if _, _, err := DecodeEvent([]byte(`{"type":"register-user"}`)); err == nil {
		t.Fatalf("client message accepted as event")
	}
}
