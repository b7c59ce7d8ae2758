package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/ClinicCall/internal/adapters/rtc"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakePC struct {
	id      string
	role    string
	remote  []webrtc.SessionDescription
	cands   []webrtc.ICECandidateInit
	tracks  int
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	closed  bool
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	if p.role == "answerer" {
		return webrtc.SessionDescription{}, rtc.ErrRoleFixed
	}
	p.role = "offerer"
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.id}, nil
}

func (p *fakePC) ApplyOffer(o webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if p.role == "offerer" {
		return webrtc.SessionDescription{}, rtc.ErrRoleFixed
	}
	p.role = "answerer"
	p.remote = append(p.remote, o)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.id}, nil
}

func (p *fakePC) ApplyAnswer(a webrtc.SessionDescription) error {
	p.remote = append(p.remote, a)
	return nil
}

func (p *fakePC) AddICECandidate(ci webrtc.ICECandidateInit) error {
	p.cands = append(p.cands, ci)
	return nil
}

func (p *fakePC) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.tracks++
	return nil, nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) { p.onICE = fn }
func (p *fakePC) OnStateChange(fn func(webrtc.PeerConnectionState)) { p.onState = fn }
func (p *fakePC) Close() { p.closed = true }

type fakePeers struct {
	pcs []*fakePC
}

func (f *fakePeers) New(id string) (core.MediaConnection, error) {
	pc := &fakePC{id: id}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakePeers) last(t *testing.T) *fakePC {
	t.Helper()
	if len(f.pcs) == 0 {
		t.Fatalf("no peer connection")
	}
	return f.pcs[len(f.pcs)-1]
}

type fakeMedia struct {
	err   error
	calls int
	got   []*rtc.LocalMedia
}

func (f *fakeMedia) Acquire(_ context.Context, kind domain.CallType) (*rtc.LocalMedia, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	mk := func(mime, id string) *rtc.LocalTrack {
		tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, id, "test")
		if err != nil {
			panic(err)
		}
		return rtc.NewLocalTrack(tr)
	}
	m := &rtc.LocalMedia{Audio: mk(webrtc.MimeTypeOpus, "audio")}
	if kind == domain.CallTypeVideo {
		m.Video = mk(webrtc.MimeTypeVP8, "video")
	}
	f.got = append(f.got, m)
	return m, nil
}

type sender struct {
	msgs []any
	err  error
}

func (s *sender) Send(v any) error {
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, v)
	return nil
}

type harness struct {
	m      *Machine
	sent   *sender
	peers  *fakePeers
	media  *fakeMedia
	events chan func()
	snaps  []Snapshot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sent:   &sender{},
		peers:  &fakePeers{},
		media:  &fakeMedia{},
		events: make(chan func(), 64),
	}
	h.m = NewMachine(context.Background(), MachineConfig{
		Self:  "x",
		Data:  domain.UserData{"name": "Dr X"},
		Send:  h.sent,
		Peers: h.peers,
		Media: h.media,
		Post:  func(fn func()) { h.events <- fn },
	})
	h.m.Subscribe(func(s Snapshot) { h.snaps = append(h.snaps, s) })
	return h
}

// step runs the next posted callback.
func (h *harness) step(t *testing.T) {
	t.Helper()
	select {
	case fn := <-h.events:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatalf("no event posted")
	}
}

func (h *harness) want(t *testing.T, s State) {
	t.Helper()
	if got := h.m.State(); got != s {
		t.Fatalf("state = %s, want %s (err %v)", got, s, h.m.Snapshot().Err)
	}
}

func sentOf[T any](h *harness) []T {
	var out []T
	for _, v := range h.sent.msgs {
		if m, ok := v.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func incoming(t *testing.T, id domain.CallID, from domain.UserID) *protocol.IncomingCall {
	return &protocol.IncomingCall{
		Type:      protocol.TypeIncomingCall,
		SessionID: id,
		From:      from,
		CallType:  domain.CallTypeVideo,
		Offer:     raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}),
	}
}

// connectOutgoing drives x→y to connected and returns the call id.
func connectOutgoing(t *testing.T, h *harness) domain.CallID {
	t.Helper()
	if err := h.m.Call("y", domain.CallTypeVideo); err != nil {
		t.Fatalf("call: %v", err)
	}
	h.step(t)
	id := h.m.Snapshot().CallID
	h.m.Handle(&protocol.CallAccepted{
		Type:      protocol.TypeCallAccepted,
		SessionID: id,
		Answer:    raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}),
		CallerID:  "x",
		From:      "y",
	})
	h.want(t, StateConnected)
	return id
}

func TestCall_OfferAcceptHangup(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Call("y", domain.CallTypeVideo); err != nil {
		t.Fatalf("call: %v", err)
	}
	h.want(t, StateCalling)
	if len(h.sent.msgs) != 0 {
		t.Fatalf("sent before media: %v", h.sent.msgs)
	}

	h.step(t)
	inits := sentOf[protocol.InitiateCall](h)
	if len(inits) != 1 {
		t.Fatalf("initiate-call sent %d times", len(inits))
	}
	pc := h.peers.last(t)
	if pc.role != "offerer" || pc.tracks != 2 {
		t.Fatalf("pc role=%s tracks=%d", pc.role, pc.tracks)
	}
	id := h.m.Snapshot().CallID
	if inits[0].SessionID != string(id) || inits[0].To != "y" || inits[0].CallType != "video" {
		t.Fatalf("initiate = %+v", inits[0])
	}

	pc.onICE(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	h.step(t)
	relays := sentOf[protocol.Relay](h)
	if len(relays) != 1 || relays[0].Type != protocol.TypeICECandidate || relays[0].SessionID != string(id) {
		t.Fatalf("relays = %+v", relays)
	}

	h.m.Handle(&protocol.CallAccepted{
		Type:      protocol.TypeCallAccepted,
		SessionID: id,
		Answer:    raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}),
		From:      "y",
	})
	h.want(t, StateConnected)
	if len(pc.remote) != 1 || pc.remote[0].SDP != "remote-answer" {
		t.Fatalf("answer not applied: %+v", pc.remote)
	}

	if err := h.m.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	h.want(t, StateEnded)
	if ends := sentOf[protocol.EndCall](h); len(ends) != 1 || ends[0].Reason != protocol.ReasonHangup {
		t.Fatalf("end-call = %+v", ends)
	}
	if !pc.closed || h.media.got[0].Audio.GetState() != rtc.TrackStateStopped {
		t.Fatalf("resources not released")
	}

	if err := h.m.Call("z", domain.CallTypeAudio); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("call from terminal state: %v", err)
	}
	if err := h.m.Acknowledge(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	h.want(t, StateIdle)
}

func TestCall_Guards(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Call("x", domain.CallTypeAudio); !errors.Is(err, ErrSelfCall) {
		t.Fatalf("self call: %v", err)
	}
	if err := h.m.Accept(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("accept in idle: %v", err)
	}
	if err := h.m.Hangup(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("hangup in idle: %v", err)
	}
	if err := h.m.Acknowledge(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ack in idle: %v", err)
	}
	if err := h.m.Retry(); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("retry in idle: %v", err)
	}
}

func TestCall_MediaFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	h.media.err = rtc.ErrPermissionDenied

	_ = h.m.Call("y", domain.CallTypeVideo)
	h.step(t)
	h.want(t, StateError)
	if err := h.m.Snapshot().Err; !errors.Is(err, rtc.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if len(h.sent.msgs) != 0 || len(h.peers.pcs) != 0 {
		t.Fatalf("failed attempt touched the wire")
	}

	h.media.err = nil
	if err := h.m.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.want(t, StateCalling)
	h.step(t)
	if inits := sentOf[protocol.InitiateCall](h); len(inits) != 1 || inits[0].To != "y" {
		t.Fatalf("retry did not call y: %+v", inits)
	}
}

func TestIncoming_RetryAfterCallerHungUp(t *testing.T) {
	tests := []struct {
		name  string
		close any
	}{
		{"ended", &protocol.CallEnded{Type: protocol.TypeCallEnded, SessionID: "c1", Reason: "hangup", EndedBy: "y"}},
		{"rejected", &protocol.CallRejected{Type: protocol.TypeCallRejected, SessionID: "c1", Reason: "busy", From: "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.media.err = rtc.ErrPermissionDenied
			h.m.Handle(incoming(t, "c1", "y"))
			if err := h.m.Accept(); err != nil {
				t.Fatalf("accept: %v", err)
			}
			h.step(t)
			h.want(t, StateError)

			h.m.Handle(tt.close)
			h.want(t, StateError)

			h.media.err = nil
			if err := h.m.Retry(); !errors.Is(err, ErrNothingToRetry) {
				t.Fatalf("retry = %v", err)
			}
			h.want(t, StateError)
			if accepts := sentOf[protocol.AcceptCall](h); len(accepts) != 0 {
				t.Fatalf("accepted a closed call: %+v", accepts)
			}
		})
	}
}

func TestCall_HangupWhileAcquiring(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Call("y", domain.CallTypeAudio)
	if err := h.m.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	h.want(t, StateEnded)
	if h.m.Snapshot().Reason != ReasonCancelled {
		t.Fatalf("reason = %q", h.m.Snapshot().Reason)
	}

	h.step(t)
	if len(h.sent.msgs) != 0 || len(h.peers.pcs) != 0 {
		t.Fatalf("late media was used")
	}
	if h.media.got[0].Audio.GetState() != rtc.TrackStateStopped {
		t.Fatalf("late media not released")
	}
}

func TestIncoming_AcceptAnswersQueuedOffer(t *testing.T) {
	h := newHarness(t)
	h.m.Handle(incoming(t, "c1", "y"))
	h.want(t, StateConnecting)
	if s := h.m.Snapshot(); !s.Incoming || s.Peer != "y" || s.CallID != "c1" {
		t.Fatalf("snapshot = %+v", s)
	}

	h.m.Handle(&protocol.Relay{
		Type:      protocol.TypeICECandidate,
		From:      "y",
		SessionID: "c1",
		Candidate: raw(t, webrtc.ICECandidateInit{Candidate: "early"}),
	})

	if err := h.m.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := h.m.Accept(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double accept: %v", err)
	}
	h.step(t)
	h.want(t, StateConnected)

	pc := h.peers.last(t)
	if pc.role != "answerer" || len(pc.cands) != 1 || pc.cands[0].Candidate != "early" {
		t.Fatalf("pc = %+v", pc)
	}
	accepts := sentOf[protocol.AcceptCall](h)
	if len(accepts) != 1 || accepts[0].SessionID != "c1" || accepts[0].To != "y" {
		t.Fatalf("accept-call = %+v", accepts)
	}
	var ans webrtc.SessionDescription
	if err := json.Unmarshal(accepts[0].Answer, &ans); err != nil || ans.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer = %s", accepts[0].Answer)
	}

	h.m.Handle(&protocol.Relay{
		Type:      protocol.TypeOffer,
		From:      "y",
		SessionID: "c1",
		Offer:     raw(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "second"}),
	})
	if len(pc.remote) != 1 || len(h.peers.pcs) != 1 {
		t.Fatalf("second offer was applied")
	}

	h.m.Handle(&protocol.CallEnded{Type: protocol.TypeCallEnded, SessionID: "c1", Reason: protocol.ReasonHangup, EndedBy: "y"})
	h.want(t, StateEnded)
	if !pc.closed {
		t.Fatalf("pc left open")
	}
}

func TestIncoming_Reject(t *testing.T) {
	h := newHarness(t)
	h.m.Handle(incoming(t, "c1", "y"))
	if err := h.m.Reject(""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h.want(t, StateRejected)
	rej := sentOf[protocol.RejectCall](h)
	if len(rej) != 1 || rej[0].SessionID != "c1" || rej[0].Reason != "rejected" {
		t.Fatalf("reject-call = %+v", rej)
	}
	if h.media.calls != 0 {
		t.Fatalf("media acquired for rejected call")
	}
}

func TestIncoming_BusyIsRejected(t *testing.T) {
	h := newHarness(t)
	id := connectOutgoing(t, h)

	h.m.Handle(incoming(t, "c2", "z"))
	h.want(t, StateConnected)
	if h.m.Snapshot().CallID != id {
		t.Fatalf("current call replaced")
	}
	rej := sentOf[protocol.RejectCall](h)
	if len(rej) != 1 || rej[0].SessionID != "c2" || rej[0].Reason != protocol.ReasonBusy || rej[0].To != "z" {
		t.Fatalf("reject-call = %+v", rej)
	}
}

func TestIncoming_AfterTerminalStartsFresh(t *testing.T) {
	h := newHarness(t)
	h.m.Handle(incoming(t, "c1", "y"))
	_ = h.m.Reject("")
	h.m.Handle(incoming(t, "c2", "z"))
	h.want(t, StateConnecting)
	if h.m.Snapshot().CallID != "c2" {
		t.Fatalf("call = %s", h.m.Snapshot().CallID)
	}
}

func TestGlare_AdoptsPeerCall(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Call("y", domain.CallTypeVideo)
	h.step(t)
	own := h.m.Snapshot().CallID
	offerer := h.peers.last(t)

	h.m.Handle(incoming(t, "p1", "y"))
	h.want(t, StateCalling)
	h.m.Handle(&protocol.Relay{
		Type:      protocol.TypeICECandidate,
		From:      "y",
		SessionID: "p1",
		Candidate: raw(t, webrtc.ICECandidateInit{Candidate: "peer-early"}),
	})

	h.m.Handle(&protocol.CallGlare{Type: protocol.TypeCallGlare, SessionID: own, ExistingSessionID: "p1", From: "y"})
	h.want(t, StateConnected)

	if !offerer.closed {
		t.Fatalf("own offerer left open")
	}
	answerer := h.peers.last(t)
	if answerer == offerer || answerer.role != "answerer" {
		t.Fatalf("no answerer created")
	}
	if len(answerer.cands) != 1 || answerer.cands[0].Candidate != "peer-early" {
		t.Fatalf("peer candidates lost: %+v", answerer.cands)
	}
	if h.media.calls != 1 || h.media.got[0].Audio.GetState() == rtc.TrackStateStopped {
		t.Fatalf("media not kept across glare")
	}
	accepts := sentOf[protocol.AcceptCall](h)
	if len(accepts) != 1 || accepts[0].SessionID != "p1" {
		t.Fatalf("accept-call = %+v", accepts)
	}
}

func TestGlare_BeforeInitiateAcceptsInstead(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Call("y", domain.CallTypeVideo)
	h.m.Handle(incoming(t, "p1", "y"))
	h.want(t, StateConnecting)

	h.step(t)
	h.want(t, StateConnected)
	if len(sentOf[protocol.InitiateCall](h)) != 0 {
		t.Fatalf("own offer went out")
	}
	if accepts := sentOf[protocol.AcceptCall](h); len(accepts) != 1 || accepts[0].SessionID != "p1" {
		t.Fatalf("accept-call = %+v", accepts)
	}
}

func TestPeerFailure_EndsWithError(t *testing.T) {
	h := newHarness(t)
	id := connectOutgoing(t, h)
	pc := h.peers.last(t)

	pc.onState(webrtc.PeerConnectionStateFailed)
	h.step(t)
	h.want(t, StateError)
	if !errors.Is(h.m.Snapshot().Err, ErrConnectionFailed) {
		t.Fatalf("err = %v", h.m.Snapshot().Err)
	}
	ends := sentOf[protocol.EndCall](h)
	if len(ends) != 1 || ends[0].Reason != ReasonConnectionFailed || ends[0].SessionID != string(id) {
		t.Fatalf("end-call = %+v", ends)
	}

	// Events from a released connection are ignored.
	pc.onICE(webrtc.ICECandidateInit{Candidate: "late"})
	h.step(t)
	if len(sentOf[protocol.Relay](h)) != 0 {
		t.Fatalf("candidate of dead pc relayed")
	}
}

func TestServerErrors(t *testing.T) {
	t.Run("initiate rejected", func(t *testing.T) {
		h := newHarness(t)
		_ = h.m.Call("ghost", domain.CallTypeAudio)
		h.step(t)
		h.m.Handle(&protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Message: "user ghost is not connected",
			Details: protocol.ErrorDetails{Code: protocol.CodeTargetNotFound, Request: protocol.TypeInitiateCall, Target: "ghost"},
		})
		h.want(t, StateError)
		pe, ok := protocol.AsError(h.m.Snapshot().Err)
		if !ok || pe.Code != protocol.CodeTargetNotFound {
			t.Fatalf("err = %v", h.m.Snapshot().Err)
		}
	})
	t.Run("call already over", func(t *testing.T) {
		h := newHarness(t)
		id := connectOutgoing(t, h)
		h.m.Handle(&protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Message: "call has ended",
			Details: protocol.ErrorDetails{Code: protocol.CodeCallEnded, Request: protocol.TypeICECandidate, SessionID: string(id)},
		})
		h.want(t, StateEnded)
	})
	t.Run("unrelated", func(t *testing.T) {
		h := newHarness(t)
		connectOutgoing(t, h)
		h.m.Handle(&protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Details: protocol.ErrorDetails{Code: protocol.CodeUnknownCall, SessionID: "other"},
		})
		h.want(t, StateConnected)
	})
}

func TestRejectedAndReplaced(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Call("y", domain.CallTypeAudio)
	h.step(t)
	id := h.m.Snapshot().CallID
	h.m.Handle(&protocol.CallRejected{Type: protocol.TypeCallRejected, SessionID: id, Reason: protocol.ReasonBusy, From: "y"})
	h.want(t, StateRejected)
	if h.m.Snapshot().Reason != protocol.ReasonBusy {
		t.Fatalf("reason = %q", h.m.Snapshot().Reason)
	}

	_ = h.m.Acknowledge()
	connectOutgoing(t, h)
	h.m.Handle(&protocol.SessionReplaced{Type: protocol.TypeSessionReplaced, UserID: "x"})
	h.want(t, StateEnded)
	if h.m.Snapshot().Reason != ReasonSessionReplaced {
		t.Fatalf("reason = %q", h.m.Snapshot().Reason)
	}
}

func TestTransportLost(t *testing.T) {
	h := newHarness(t)
	h.m.TransportLost()
	h.want(t, StateIdle)

	connectOutgoing(t, h)
	h.m.TransportLost()
	h.want(t, StateEnded)
	if h.m.Snapshot().Reason != ReasonTransportLost {
		t.Fatalf("reason = %q", h.m.Snapshot().Reason)
	}
}

func TestToggles(t *testing.T) {
	h := newHarness(t)
	h.m.SetAudioEnabled(false)
	_ = h.m.Call("y", domain.CallTypeVideo)
	h.step(t)

	m := h.media.got[0]
	if m.AudioEnabled() || !m.VideoEnabled() {
		t.Fatalf("audio=%v video=%v", m.AudioEnabled(), m.VideoEnabled())
	}
	h.m.SetVideoEnabled(false)
	if m.VideoEnabled() {
		t.Fatalf("video still on")
	}
	last := h.snaps[len(h.snaps)-1]
	if last.AudioEnabled || last.VideoEnabled {
		t.Fatalf("snapshot = %+v", last)
	}
	if h.peers.last(t).tracks != 2 {
		t.Fatalf("toggle renegotiated tracks")
	}
}

func TestObserverPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.m.Subscribe(func(Snapshot) { panic("boom") })
	seen := 0
	h.m.Subscribe(func(Snapshot) { seen++ })

	_ = h.m.Call("y", domain.CallTypeAudio)
	h.want(t, StateCalling)
	if seen != 1 {
		t.Fatalf("later observer saw %d snapshots", seen)
	}
}
