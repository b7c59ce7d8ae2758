package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/ClinicCall/internal/adapters/rtc"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Sender delivers one client-to-server message.
type Sender interface {
	Send(v any) error
}

// PeerFactory opens a PeerConnection for one call.
type PeerFactory interface {
	New(id string) (core.MediaConnection, error)
}

type MachineConfig struct {
	Self  domain.UserID
	Data  domain.UserData
	Send  Sender
	Peers PeerFactory
	Media rtc.MediaSource
	// Post hands a callback back to the event loop. Results of media
	// acquisition and PeerConnection events all come through it.
	Post func(func())
}

type call struct {
	id       domain.CallID
	peer     domain.UserID
	typ      domain.CallType
	incoming bool
	caller   domain.UserData
	invite   *protocol.IncomingCall
	offer    json.RawMessage

	pc    core.MediaConnection
	media *rtc.LocalMedia
	ice   []webrtc.ICECandidateInit

	initiated bool
	accepting bool
	glared    bool
}

type attempt struct {
	peer   domain.UserID
	typ    domain.CallType
	invite *protocol.IncomingCall
}

// Machine is the per-user call state machine. It is not safe for
// concurrent use; every method must run on the event loop.
type Machine struct {
	ctx  context.Context
	cfg  MachineConfig
	self domain.UserID

	state  State
	call   *call
	reason string
	err    error
	gen    uint64

	// glare is the peer's own incoming call seen while our attempt rings.
	glare    *protocol.IncomingCall
	glareICE []webrtc.ICECandidateInit
	retry    *attempt

	audioOn   bool
	videoOn   bool
	observers []Observer
}

// NewMachine returns an idle machine. ctx bounds media acquisition and the
// lifetime of acquired tracks.
func NewMachine(ctx context.Context, cfg MachineConfig) *Machine {
	return &Machine{
		ctx:     ctx,
		cfg:     cfg,
		self:    cfg.Self,
		state:   StateIdle,
		audioOn: true,
		videoOn: true,
	}
}

func (m *Machine) Subscribe(o Observer) {
	m.observers = append(m.observers, o)
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		State:        m.state,
		Reason:       m.reason,
		Err:          m.err,
		AudioEnabled: m.audioOn,
		VideoEnabled: m.videoOn,
	}
	if c := m.call; c != nil {
		s.CallID = c.id
		s.Peer = c.peer
		s.Type = c.typ
		s.Incoming = c.incoming
		s.Caller = c.caller
		if c.typ != domain.CallTypeVideo {
			s.VideoEnabled = false
		}
	}
	return s
}

func (m *Machine) notify() {
	snap := m.Snapshot()
	for _, o := range m.observers {
		_ = supervise("observer", func() { o(snap) })
	}
}

func (m *Machine) transition(s State) {
	prev := m.state
	m.state = s
	ev := log.Info().Str("module", "client").Str("from", string(prev)).Str("to", string(s))
	if m.call != nil {
		ev = ev.Str("call", string(m.call.id)).Str("peer", string(m.call.peer))
	}
	if m.reason != "" {
		ev = ev.Str("reason", m.reason)
	}
	if m.err != nil {
		ev = ev.AnErr("cause", m.err)
	}
	ev.Msg("call state")
	m.notify()
}

func (m *Machine) send(v any) error {
	if err := m.cfg.Send.Send(v); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("send failed")
		return err
	}
	return nil
}

// Call starts an outgoing call to peer. Media is acquired asynchronously;
// nothing goes on the wire until it is available.
func (m *Machine) Call(peer domain.UserID, typ domain.CallType) error {
	if m.state != StateIdle {
		return ErrInvalidState
	}
	if peer == m.self {
		return ErrSelfCall
	}
	if typ == "" {
		typ = domain.CallTypeVideo
	}
	m.call = &call{id: domain.CallID(uuid.NewString()), peer: peer, typ: typ}
	m.retry = &attempt{peer: peer, typ: typ}
	m.reason, m.err = "", nil
	m.transition(StateCalling)
	m.acquire()
	return nil
}

func (m *Machine) acquire() {
	m.gen++
	gen, typ := m.gen, m.call.typ
	go func() {
		media, err := m.cfg.Media.Acquire(m.ctx, typ)
		m.cfg.Post(func() { m.onMedia(gen, media, err) })
	}()
}

func (m *Machine) onMedia(gen uint64, media *rtc.LocalMedia, err error) {
	if gen != m.gen || m.call == nil || !m.state.Active() {
		media.Close()
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("acquire media: %w", err))
		return
	}
	media.SetAudioEnabled(m.audioOn)
	media.SetVideoEnabled(m.videoOn)
	m.call.media = media
	if m.call.incoming {
		m.answer()
		return
	}
	m.offer()
}

func (m *Machine) newPeer(c *call) (core.MediaConnection, error) {
	pc, err := m.cfg.Peers.New(string(c.id))
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	for _, t := range c.media.Tracks() {
		if _, err := pc.AddLocalTrack(t.Track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Track.Kind(), err)
		}
	}
	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		m.cfg.Post(func() { m.onLocalICE(pc, ci) })
	})
	pc.OnStateChange(func(s webrtc.PeerConnectionState) {
		m.cfg.Post(func() { m.onPeerState(pc, s) })
	})
	c.pc = pc
	for _, ci := range c.ice {
		if err := pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "client").Str("call", string(c.id)).Msg("queued remote candidate")
		}
	}
	c.ice = nil
	return pc, nil
}

func (m *Machine) offer() {
	c := m.call
	pc, err := m.newPeer(c)
	if err != nil {
		m.fail(err)
		return
	}
	sdp, err := pc.CreateOffer()
	if err != nil {
		m.fail(err)
		return
	}
	raw, err := json.Marshal(sdp)
	if err != nil {
		m.fail(err)
		return
	}
	if err := m.send(protocol.InitiateCall{
		Type:      protocol.TypeInitiateCall,
		To:        string(c.peer),
		Caller:    m.cfg.Data,
		CallType:  string(c.typ),
		Offer:     raw,
		SessionID: string(c.id),
	}); err != nil {
		m.fail(fmt.Errorf("send initiate: %w", err))
		return
	}
	c.initiated = true
}

// answer runs once both media and the remote offer are present.
func (m *Machine) answer() {
	c := m.call
	if c.media == nil || c.pc != nil {
		return
	}
	if len(c.offer) == 0 {
		log.Debug().Str("module", "client").Str("call", string(c.id)).Msg("waiting for offer")
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(c.offer, &offer); err != nil {
		m.fail(fmt.Errorf("%w: %v", ErrNoOffer, err))
		return
	}
	pc, err := m.newPeer(c)
	if err != nil {
		m.fail(err)
		return
	}
	sdp, err := pc.ApplyOffer(offer)
	if err != nil {
		m.fail(err)
		return
	}
	raw, err := json.Marshal(sdp)
	if err != nil {
		m.fail(err)
		return
	}
	if err := m.send(protocol.AcceptCall{
		Type:      protocol.TypeAcceptCall,
		To:        string(c.peer),
		Answer:    raw,
		SessionID: string(c.id),
		CallerID:  string(c.peer),
	}); err != nil {
		m.fail(fmt.Errorf("send accept: %w", err))
		return
	}
	m.transition(StateConnected)
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept() error {
	c := m.call
	if m.state != StateConnecting || c == nil || !c.incoming || c.accepting {
		return ErrInvalidState
	}
	c.accepting = true
	m.retry = &attempt{invite: c.invite}
	if c.media != nil {
		m.answer()
		return nil
	}
	m.acquire()
	return nil
}

func (m *Machine) Reject(reason string) error {
	c := m.call
	if m.state != StateConnecting || c == nil || !c.incoming || c.pc != nil {
		return ErrInvalidState
	}
	if reason == "" {
		reason = "rejected"
	}
	_ = m.send(protocol.RejectCall{
		Type:      protocol.TypeRejectCall,
		To:        string(c.peer),
		SessionID: string(c.id),
		Reason:    reason,
	})
	m.finish(StateRejected, reason)
	return nil
}

// Hangup cancels an outgoing attempt or ends the current call.
func (m *Machine) Hangup() error {
	c := m.call
	if !m.state.Active() || c == nil {
		return ErrInvalidState
	}
	reason := protocol.ReasonHangup
	if m.state == StateCalling && (!c.initiated || c.glared) {
		// The server never tracked this attempt.
		reason = ReasonCancelled
	} else {
		_ = m.send(protocol.EndCall{
			Type:      protocol.TypeEndCall,
			To:        string(c.peer),
			SessionID: string(c.id),
			Reason:    protocol.ReasonHangup,
		})
	}
	m.finish(StateEnded, reason)
	return nil
}

// Acknowledge returns a terminal state to idle.
func (m *Machine) Acknowledge() error {
	if !m.state.Terminal() {
		return ErrInvalidState
	}
	m.call = nil
	m.reason, m.err = "", nil
	m.retry = nil
	m.transition(StateIdle)
	return nil
}

// Retry repeats the attempt that ended in error: the outgoing call or the
// pending accept.
func (m *Machine) Retry() error {
	a := m.retry
	if m.state != StateError || a == nil {
		return ErrNothingToRetry
	}
	m.call = nil
	m.reason, m.err = "", nil
	m.state = StateIdle
	if a.invite == nil {
		return m.Call(a.peer, a.typ)
	}
	m.ring(a.invite)
	return m.Accept()
}

func (m *Machine) SetAudioEnabled(on bool) {
	m.audioOn = on
	if m.call != nil {
		m.call.media.SetAudioEnabled(on)
	}
	m.notify()
}

func (m *Machine) SetVideoEnabled(on bool) {
	m.videoOn = on
	if m.call != nil {
		m.call.media.SetVideoEnabled(on)
	}
	m.notify()
}

// TransportLost ends an active call once the connection to the server is
// gone for good.
func (m *Machine) TransportLost() {
	if !m.state.Active() {
		return
	}
	m.finish(StateEnded, ReasonTransportLost)
}

// Handle consumes one decoded server event.
func (m *Machine) Handle(msg any) {
	switch v := msg.(type) {
	case *protocol.IncomingCall:
		m.onIncoming(v)
	case *protocol.CallInitiated:
		log.Debug().Str("module", "client").Str("call", string(v.SessionID)).Msg("ringing")
	case *protocol.CallAccepted:
		m.onAccepted(v)
	case *protocol.CallRejected:
		m.forget(v.SessionID)
		if m.owns(v.SessionID) && m.state.Active() {
			m.finish(StateRejected, v.Reason)
		}
	case *protocol.CallEnded:
		m.forget(v.SessionID)
		if m.owns(v.SessionID) && m.state.Active() {
			m.finish(StateEnded, v.Reason)
		}
	case *protocol.CallGlare:
		m.onGlare(v)
	case *protocol.SessionReplaced:
		if m.state.Active() {
			m.finish(StateEnded, ReasonSessionReplaced)
		}
	case *protocol.Relay:
		m.onRelay(v)
	case *protocol.ErrorMessage:
		m.onError(v)
	}
}

// forget drops a pending accept retry for a call the server has closed.
func (m *Machine) forget(id domain.CallID) {
	if m.retry != nil && m.retry.invite != nil && m.retry.invite.SessionID == id {
		m.retry = nil
	}
}

// owns reports whether id names the current call or the peer call we are
// about to adopt after glare.
func (m *Machine) owns(id domain.CallID) bool {
	if m.call != nil && m.call.id == id {
		return true
	}
	return m.glare != nil && m.glare.SessionID == id
}

func (m *Machine) ring(ic *protocol.IncomingCall) {
	m.call = &call{
		id:       ic.SessionID,
		peer:     ic.From,
		typ:      ic.CallType,
		incoming: true,
		caller:   ic.Caller,
		invite:   ic,
		offer:    ic.Offer,
	}
	m.reason, m.err = "", nil
	m.transition(StateConnecting)
}

func (m *Machine) onIncoming(ic *protocol.IncomingCall) {
	c := m.call
	if c != nil && m.state.Active() {
		if ic.SessionID == c.id {
			return
		}
		if m.state == StateCalling && !c.incoming && ic.From == c.peer {
			if !c.initiated || c.glared {
				m.adopt(ic)
				return
			}
			m.glare = ic
			return
		}
		log.Info().Str("module", "client").Str("call", string(ic.SessionID)).Str("from", string(ic.From)).Msg("busy, rejecting")
		_ = m.send(protocol.RejectCall{
			Type:      protocol.TypeRejectCall,
			To:        string(ic.From),
			SessionID: string(ic.SessionID),
			Reason:    protocol.ReasonBusy,
		})
		return
	}
	// A new call implicitly acknowledges a finished one.
	m.retry = nil
	m.ring(ic)
}

// adopt drops our own attempt in favour of the peer's call and accepts it,
// reusing whatever media was already acquired.
func (m *Machine) adopt(ic *protocol.IncomingCall) {
	old := m.call
	if old.pc != nil {
		old.pc.Close()
	}
	ice := m.glareICE
	m.glare, m.glareICE = nil, nil

	m.call = &call{
		id:        ic.SessionID,
		peer:      ic.From,
		typ:       ic.CallType,
		incoming:  true,
		caller:    ic.Caller,
		invite:    ic,
		offer:     ic.Offer,
		media:     old.media,
		ice:       ice,
		accepting: true,
	}
	m.retry = &attempt{invite: ic}
	log.Info().Str("module", "client").Str("dropped", string(old.id)).Str("call", string(ic.SessionID)).Msg("glare resolved")
	m.transition(StateConnecting)
	if m.call.media != nil {
		m.answer()
	}
}

func (m *Machine) onGlare(g *protocol.CallGlare) {
	c := m.call
	if m.state != StateCalling || c == nil || c.incoming || g.SessionID != c.id {
		return
	}
	c.glared = true
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}
	if m.glare != nil && m.glare.SessionID == g.ExistingSessionID {
		m.adopt(m.glare)
	}
}

func (m *Machine) onAccepted(ca *protocol.CallAccepted) {
	c := m.call
	if m.state != StateCalling || c == nil || c.incoming || c.pc == nil || ca.SessionID != c.id {
		return
	}
	if len(ca.Answer) > 0 {
		if err := m.applyAnswer(c, ca.Answer); err != nil {
			m.failConnection(err)
			return
		}
	}
	m.transition(StateConnected)
}

func (m *Machine) applyAnswer(c *call, raw json.RawMessage) error {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sdp); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return c.pc.ApplyAnswer(sdp)
}

func (m *Machine) onRelay(r *protocol.Relay) {
	c := m.call
	if c == nil || !m.state.Active() {
		return
	}
	id := domain.CallID(r.SessionID)
	if id != c.id {
		if m.glare != nil && id == m.glare.SessionID && r.Type == protocol.TypeICECandidate {
			if ci, err := decodeCandidate(r.Candidate); err == nil {
				m.glareICE = append(m.glareICE, ci)
			}
		}
		if id != "" || domain.UserID(r.From) != c.peer {
			return
		}
	}

	switch r.Type {
	case protocol.TypeICECandidate:
		ci, err := decodeCandidate(r.Candidate)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Str("call", string(c.id)).Msg("bad candidate")
			return
		}
		if c.pc == nil {
			c.ice = append(c.ice, ci)
			return
		}
		if err := c.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "client").Str("call", string(c.id)).Msg("add candidate")
		}
	case protocol.TypeOffer:
		if c.pc != nil || !c.incoming {
			log.Debug().Str("module", "client").Str("call", string(c.id)).Msg("offer discarded")
			return
		}
		c.offer = r.Offer
		if c.accepting {
			m.answer()
		}
	case protocol.TypeAnswer:
		if c.pc == nil || c.incoming {
			return
		}
		if err := m.applyAnswer(c, r.Answer); err != nil {
			log.Warn().Err(err).Str("module", "client").Str("call", string(c.id)).Msg("apply answer")
		}
	}
}

func decodeCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var ci webrtc.ICECandidateInit
	err := json.Unmarshal(raw, &ci)
	return ci, err
}

func (m *Machine) onError(em *protocol.ErrorMessage) {
	d := em.Details
	c := m.call
	if c == nil || !m.state.Active() {
		log.Debug().Str("module", "client").Str("code", string(d.Code)).Str("message", em.Message).Msg("server error")
		return
	}
	if domain.CallID(d.SessionID) == c.id && (d.Code == protocol.CodeCallEnded || d.Code == protocol.CodeUnknownCall) {
		m.finish(StateEnded, em.Message)
		return
	}
	if d.Request == protocol.TypeInitiateCall && m.state == StateCalling && !c.incoming {
		m.fail(&protocol.Error{Code: d.Code, Message: em.Message, SessionID: d.SessionID, Target: d.Target})
		return
	}
	log.Warn().Str("module", "client").Str("code", string(d.Code)).Str("request", string(d.Request)).Str("message", em.Message).Msg("server error")
}

func (m *Machine) onLocalICE(pc core.MediaConnection, ci webrtc.ICECandidateInit) {
	c := m.call
	if c == nil || c.pc != pc {
		return
	}
	raw, err := json.Marshal(ci)
	if err != nil {
		return
	}
	_ = m.send(protocol.Relay{
		Type:      protocol.TypeICECandidate,
		To:        string(c.peer),
		SessionID: string(c.id),
		Candidate: raw,
	})
}

func (m *Machine) onPeerState(pc core.MediaConnection, s webrtc.PeerConnectionState) {
	c := m.call
	if c == nil || c.pc != pc {
		return
	}
	if s != webrtc.PeerConnectionStateFailed {
		return
	}
	m.failConnection(ErrConnectionFailed)
}

// failConnection tells the server before dropping into error.
func (m *Machine) failConnection(err error) {
	c := m.call
	_ = m.send(protocol.EndCall{
		Type:      protocol.TypeEndCall,
		To:        string(c.peer),
		SessionID: string(c.id),
		Reason:    ReasonConnectionFailed,
	})
	if c.incoming {
		// The server call is over; there is nothing left to accept.
		m.retry = nil
	}
	m.fail(err)
}

func (m *Machine) release() {
	m.gen++
	m.glare, m.glareICE = nil, nil
	c := m.call
	if c == nil {
		return
	}
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}
	c.media.Close()
	c.media = nil
	c.ice = nil
}

func (m *Machine) fail(err error) {
	m.release()
	m.reason = ""
	m.err = err
	m.transition(StateError)
}

func (m *Machine) finish(s State, reason string) {
	m.release()
	m.reason = reason
	m.err = nil
	m.transition(s)
}
