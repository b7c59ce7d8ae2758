package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrRoleFixed = errors.New("peer connection role already fixed")

// Config carries the ICE servers handed to every PeerConnection.
type Config struct {
	ICEServers []string
}

func (c Config) webrtc() webrtc.Configuration {
	urls := c.ICEServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

// NewAPI builds a pion API with the default codecs, the default interceptors
// (NACK, RTCP reports, TWCC) and zerolog-backed logging.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: LoggerFactory{}}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(s),
	), nil
}

// Factory creates PeerConnections sharing one API.
type Factory struct {
	api *webrtc.API
	cfg Config
}

func NewFactory(cfg Config) (*Factory, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	return &Factory{api: api, cfg: cfg}, nil
}

// New returns a fresh connection tagged with id for logging.
func (f *Factory) New(id string) (core.MediaConnection, error) {
	return NewWebRTCConnection(f.api, f.cfg, id)
}

type role int

const (
	roleUnset role = iota
	roleOfferer
	roleAnswerer
)

// WebRTCConnection wraps one PeerConnection with trickle ICE. Remote
// candidates that arrive before the remote description are held back.
type WebRTCConnection struct {
	pc *webrtc.PeerConnection
	id string

	mu        sync.Mutex
	role      role
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	onICE     func(webrtc.ICECandidateInit)
	onState   func(webrtc.PeerConnectionState)
	closed    bool
}

func NewWebRTCConnection(api *webrtc.API, cfg Config, id string) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg.webrtc())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &WebRTCConnection{pc: pc, id: id}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("call", c.id).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("call", c.id).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("call", c.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		go drain(track)
	})
	return c, nil
}

// drain reads a remote track so its RTCP keeps flowing; nothing renders it here.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) claim(r role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != roleUnset && c.role != r {
		return ErrRoleFixed
	}
	c.role = r
	return nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if err := c.claim(roleOfferer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (c *WebRTCConnection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.claim(roleAnswerer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	c.flush()
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	r := c.role
	c.mu.Unlock()
	if r != roleOfferer {
		return ErrRoleFixed
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.flush()
	return nil
}

func (c *WebRTCConnection) flush() {
	c.mu.Lock()
	c.remoteSet = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range queued {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("call", c.id).Msg("queued candidate")
		}
	}
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(ci)
}

// Pending reports how many remote candidates wait for the remote description.
func (c *WebRTCConnection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Read incoming RTCP so interceptors can process it.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.onICE = nil
	c.onState = nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("call", c.id).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("call", c.id).Msg("closed")
	}
}
