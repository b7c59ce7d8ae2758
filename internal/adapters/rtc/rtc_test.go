package rtc

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type sliceSource struct {
	n int
}

func (s *sliceSource) NextPacket(context.Context) (*rtp.Packet, error) {
	if s.n == 0 {
		return nil, io.EOF
	}
	s.n--
	return &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{0xf8}}, nil
}

func newOpusTrack(t *testing.T) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "test")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return tr
}

func TestLocalTrack_MuteSkipsWrites(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    uint64
	}{
		{"enabled", true, 5},
		{"muted", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lt := NewLocalTrack(newOpusTrack(t))
			lt.SetEnabled(tt.enabled)
			lt.Start(context.Background(), &sliceSource{n: 5})
			<-lt.done
			if got := lt.Sent(); got != tt.want {
				t.Fatalf("sent = %d, want %d", got, tt.want)
			}
			if lt.Enabled() != tt.enabled {
				t.Fatalf("enabled = %v", lt.Enabled())
			}
		})
	}
}

func TestLocalTrack_StopIsSticky(t *testing.T) {
	lt := NewLocalTrack(newOpusTrack(t))
	lt.Stop()
	lt.SetEnabled(true)
	if lt.GetState() != TrackStateStopped {
		t.Fatalf("state = %d", lt.GetState())
	}
}

func TestSyntheticSource(t *testing.T) {
	ctx := context.Background()

	audio, err := SyntheticSource{}.Acquire(ctx, domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if audio.Video != nil || len(audio.Tracks()) != 1 {
		t.Fatalf("audio call got video")
	}
	audio.SetAudioEnabled(false)
	if audio.AudioEnabled() {
		t.Fatalf("mute did not stick")
	}
	audio.Close()

	video, err := SyntheticSource{}.Acquire(ctx, domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !video.VideoEnabled() || len(video.Tracks()) != 2 {
		t.Fatalf("video tracks = %d", len(video.Tracks()))
	}
	video.Close()

	if _, err := (SyntheticSource{Err: ErrPermissionDenied}).Acquire(ctx, domain.CallTypeVideo); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
}

func TestConnection_OfferAnswerAndCandidateQueue(t *testing.T) {
	f, err := NewFactory(Config{ICEServers: []string{"stun:127.0.0.1:3478"}})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ac, err := f.New("a")
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	defer ac.Close()
	bc, err := f.New("b")
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	defer bc.Close()
	a := ac.(*WebRTCConnection)
	b := bc.(*WebRTCConnection)

	if _, err := a.AddLocalTrack(newOpusTrack(t)); err != nil {
		t.Fatalf("add track: %v", err)
	}

	mid := "0"
	var idx uint16
	early := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	if err := b.AddICECandidate(early); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if b.Pending() != 1 {
		t.Fatalf("pending = %d", b.Pending())
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	answer, err := b.ApplyOffer(offer)
	if err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	if b.Pending() != 0 {
		t.Fatalf("queued candidates not flushed: %d", b.Pending())
	}
	if err := a.ApplyAnswer(answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}

	if _, err := b.CreateOffer(); !errors.Is(err, ErrRoleFixed) {
		t.Fatalf("answerer offered: %v", err)
	}
	if _, err := a.ApplyOffer(offer); !errors.Is(err, ErrRoleFixed) {
		t.Fatalf("offerer answered: %v", err)
	}
}
