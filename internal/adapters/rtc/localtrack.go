package rtc

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// PacketSource produces the RTP stream of a local track.
type PacketSource interface {
	NextPacket(ctx context.Context) (*rtp.Packet, error)
}

// LocalTrack is one outgoing capture track. Muting only flips its state;
// the track stays negotiated and the pump keeps draining the source.
type LocalTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // Zero by default (TrackStateOk)
	sent  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewLocalTrack(track *webrtc.TrackLocalStaticRTP) *LocalTrack {
	return &LocalTrack{Track: track, done: make(chan struct{})}
}

func (lt *LocalTrack) GetState() TrackState {
	return TrackState(lt.state.Load())
}

func (lt *LocalTrack) Enabled() bool {
	return lt.GetState() == TrackStateOk
}

// SetEnabled toggles mute. A stopped track stays stopped.
func (lt *LocalTrack) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateOk
	}
	for {
		cur := lt.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if lt.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Sent counts packets written to the track.
func (lt *LocalTrack) Sent() uint64 {
	return lt.sent.Load()
}

// Start pumps src into the track until Stop, ctx end or a source error.
func (lt *LocalTrack) Start(ctx context.Context, src PacketSource) {
	ctx, lt.cancel = context.WithCancel(ctx)
	go lt.loop(ctx, src)
}

func (lt *LocalTrack) loop(ctx context.Context, src PacketSource) {
	defer close(lt.done)
	for {
		if ctx.Err() != nil || lt.GetState() == TrackStateStopped {
			return
		}
		pkt, err := src.NextPacket(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("module", "rtc").Str("track", lt.Track.ID()).Msg("source ended")
			}
			return
		}
		if lt.GetState() != TrackStateOk {
			continue
		}
		if err := lt.Track.WriteRTP(pkt); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("track", lt.Track.ID()).Msg("write RTP")
			continue
		}
		lt.sent.Add(1)
	}
}

// Stop ends the pump and waits for it.
func (lt *LocalTrack) Stop() {
	lt.state.Store(int32(TrackStateStopped))
	if lt.cancel == nil {
		return
	}
	lt.cancel()
	<-lt.done
}
