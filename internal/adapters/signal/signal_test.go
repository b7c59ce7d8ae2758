package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/ClinicCall/internal/app/orch"
	"github.com/dkeye/ClinicCall/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, opts Options, mw ...gin.HandlerFunc) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	o := orch.New(nil, observability.NewMetrics(nil), orch.Config{RingTimeout: time.Hour, TombstoneTTL: time.Minute})
	ctl := NewSignalWSController(o, opts)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads until a message of type typ arrives.
func expect(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if m["type"] == typ {
			return m
		}
	}
}

func register(t *testing.T, ws *websocket.Conn, uid string) {
	t.Helper()
	send(t, ws, map[string]any{"type": "register-user", "userId": uid})
	if got := expect(t, ws, "user-registered"); got["userId"] != uid {
		t.Fatalf("user-registered = %v", got)
	}
}

func TestSignal_CallOverWebsocket(t *testing.T) {
	url := newTestServer(t, Options{})
	x := dial(t, url)
	y := dial(t, url)
	register(t, x, "x")
	register(t, y, "y")

	send(t, x, map[string]any{
		"type":      "initiate-call",
		"to":        "y",
		"sessionId": "s1",
		"callType":  "audio",
		"offer":     map[string]any{"type": "offer", "sdp": "v=0"},
	})
	in := expect(t, y, "incoming-call")
	if in["from"] != "x" || in["callType"] != "audio" {
		t.Fatalf("incoming-call = %v", in)
	}
	expect(t, x, "call-initiated")

	send(t, y, map[string]any{"type": "accept-call", "sessionId": "s1", "answer": map[string]any{"type": "answer", "sdp": "v=0"}})
	expect(t, x, "call-accepted")

	candidate := map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host", "sdpMid": "0", "sdpMLineIndex": float64(0)}
	send(t, x, map[string]any{"type": "ice-candidate", "to": "y", "sessionId": "s1", "candidate": candidate})
	got := expect(t, y, "ice-candidate")
	if got["from"] != "x" || got["candidate"].(map[string]any)["candidate"] != candidate["candidate"] {
		t.Fatalf("ice-candidate = %v", got)
	}

	_ = y.Close()
	ended := expect(t, x, "call-ended")
	if ended["reason"] != "participant disconnected" {
		t.Fatalf("call-ended = %v", ended)
	}
}

func TestSignal_ProtocolErrorsKeepConnection(t *testing.T) {
	url := newTestServer(t, Options{})
	ws := dial(t, url)

	tests := []struct {
		msg  string
		code string
	}{
		{`{"type":"teleport"}`, "unknown_type"},
		{`not json`, "bad_payload"},
		{`{"type":"offer","to":"y"}`, "bad_payload"},
		{`{"type":"initiate-call","to":"y"}`, "not_registered"},
		{`{"type":"accept-call"}`, "bad_payload"},
	}
	for _, tt := range tests {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		got := expect(t, ws, "error")
		if code := got["details"].(map[string]any)["code"]; code != tt.code {
			t.Fatalf("%s: code = %v, want %s", tt.msg, code, tt.code)
		}
	}

	send(t, ws, map[string]any{"type": "ping"})
	expect(t, ws, "pong")
}

func TestSignal_PinnedIdentity(t *testing.T) {
	url := newTestServer(t, Options{}, func(c *gin.Context) {
		c.Set(IdentityKey, "dr-house")
		c.Next()
	})
	ws := dial(t, url)

	send(t, ws, map[string]any{"type": "register-user", "userId": "someone"})
	got := expect(t, ws, "error")
	if code := got["details"].(map[string]any)["code"]; code != "identity_mismatch" {
		t.Fatalf("code = %v", code)
	}
	register(t, ws, "dr-house")
}

func TestSignal_RateLimit(t *testing.T) {
	url := newTestServer(t, Options{RatePerSecond: 0.01, RateBurst: 1})
	ws := dial(t, url)

	send(t, ws, map[string]any{"type": "ping"})
	expect(t, ws, "pong")
	send(t, ws, map[string]any{"type": "ping"})
	got := expect(t, ws, "error")
	if code := got["details"].(map[string]any)["code"]; code != "rate_limited" {
		t.Fatalf("code = %v", code)
	}
}

func TestSignal_RoomJoinBroadcast(t *testing.T) {
	url := newTestServer(t, Options{})
	x := dial(t, url)
	y := dial(t, url)

	send(t, x, map[string]any{"type": "join-room", "room": "abc", "userId": "x"})
	expect(t, x, "room-joined")
	send(t, y, map[string]any{"type": "join-room", "room": "abc", "userId": "y", "userData": map[string]any{"name": "Y"}})
	snap := expect(t, y, "room-joined")
	if parts := snap["participants"].([]any); len(parts) != 2 {
		t.Fatalf("participants = %v", parts)
	}
	joined := expect(t, x, "user-joined")
	if joined["userId"] != "y" || joined["userData"].(map[string]any)["name"] != "Y" {
		t.Fatalf("user-joined = %v", joined)
	}

	send(t, y, map[string]any{"type": "leave-room", "room": "abc"})
	if left := expect(t, x, "user-left"); left["userId"] != "y" {
		t.Fatalf("user-left = %v", left)
	}
}

func TestSignal_ReplacedSessionIsNotifiedBeforeClose(t *testing.T) {
	url := newTestServer(t, Options{})
	a := dial(t, url)
	register(t, a, "x")

	b := dial(t, url)
	register(t, b, "x")

	if got := expect(t, a, "session-replaced"); got["userId"] != "x" {
		t.Fatalf("session-replaced = %v", got)
	}
	_ = a.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := a.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("old socket closed with %v", err)
	}

	y := dial(t, url)
	register(t, y, "y")
	send(t, y, map[string]any{"type": "offer", "to": "x", "offer": map[string]any{"type": "offer", "sdp": "v=0"}})
	if got := expect(t, b, "offer"); got["from"] != "y" {
		t.Fatalf("offer = %v", got)
	}
}
