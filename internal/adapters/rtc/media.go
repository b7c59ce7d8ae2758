package rtc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaUnavailable means no capture device could be opened.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrPermissionDenied means the user refused capture access.
	ErrPermissionDenied = errors.New("media permission denied")
)

// MediaSource acquires local capture media for one call.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.CallType) (*LocalMedia, error)
}

// LocalMedia is the set of capture tracks owned by one call.
type LocalMedia struct {
	Audio *LocalTrack
	Video *LocalTrack
}

func (m *LocalMedia) Tracks() []*LocalTrack {
	var out []*LocalTrack
	if m.Audio != nil {
		out = append(out, m.Audio)
	}
	if m.Video != nil {
		out = append(out, m.Video)
	}
	return out
}

func (m *LocalMedia) SetAudioEnabled(on bool) {
	if m != nil && m.Audio != nil {
		m.Audio.SetEnabled(on)
	}
}

func (m *LocalMedia) SetVideoEnabled(on bool) {
	if m != nil && m.Video != nil {
		m.Video.SetEnabled(on)
	}
}

func (m *LocalMedia) AudioEnabled() bool { return m != nil && m.Audio != nil && m.Audio.Enabled() }
func (m *LocalMedia) VideoEnabled() bool { return m != nil && m.Video != nil && m.Video.Enabled() }

// Close stops every track.
func (m *LocalMedia) Close() {
	if m == nil {
		return
	}
	for _, t := range m.Tracks() {
		t.Stop()
	}
}

// SyntheticSource generates silent opus audio and a placeholder vp8 stream.
// It stands in for capture devices in headless clients and tests.
type SyntheticSource struct {
	// Err, when set, is returned by every Acquire.
	Err error
	// Delay simulates a slow device prompt.
	Delay time.Duration
}

func (s SyntheticSource) Acquire(ctx context.Context, kind domain.CallType) (*LocalMedia, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}

	stream := fmt.Sprintf("clinic-%08x", rand.Uint32())
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", stream)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %v", ErrMediaUnavailable, err)
	}
	m := &LocalMedia{Audio: NewLocalTrack(audio)}
	// Opus silence frame, 20ms.
	m.Audio.Start(ctx, NewTickerSource(20*time.Millisecond, 960, []byte{0xf8, 0xff, 0xfe}))

	if kind == domain.CallTypeVideo {
		video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", stream)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: video track: %v", ErrMediaUnavailable, err)
		}
		m.Video = NewLocalTrack(video)
		m.Video.Start(ctx, NewTickerSource(100*time.Millisecond, 9000, []byte{0x10, 0x00, 0x00}))
	}
	return m, nil
}

// TickerSource emits the same payload at a fixed pace with running
// sequence numbers and timestamps.
type TickerSource struct {
	ticker  *time.Ticker
	step    uint32
	payload []byte
	seq     uint16
	ts      uint32
}

func NewTickerSource(every time.Duration, step uint32, payload []byte) *TickerSource {
	return &TickerSource{
		ticker:  time.NewTicker(every),
		step:    step,
		payload: payload,
		seq:     uint16(rand.Uint32()),
		ts:      rand.Uint32(),
	}
}

func (s *TickerSource) NextPacket(ctx context.Context) (*rtp.Packet, error) {
	select {
	case <-ctx.Done():
		s.ticker.Stop()
		return nil, ctx.Err()
	case <-s.ticker.C:
	}
	s.seq++
	s.ts += s.step
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
		},
		Payload: s.payload,
	}, nil
}
