package signal

import (
	"context"

	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, s *wsSession, m *protocol.JoinRoom) error {
	uid, err := s.identity(m.UserID)
	if err != nil {
		return err
	}
	room, err := domain.ParseRoomName(m.Room)
	if err != nil {
		return protocol.Errorf(protocol.CodeBadPayload, "room: %v", err)
	}
	log.Info().Str("module", "signal").Str("conn", string(s.id)).Str("user", string(uid)).Str("room", string(room)).Msg("join")
	return ctl.Orch.Join(ctx, s.id, s.conn, room, uid, m.UserData)
}

// handleLeave leaves the room; the connection and its registration stay.
func (ctl *SignalWSController) handleLeave(ctx context.Context, s *wsSession, m *protocol.LeaveRoom) error {
	room, err := domain.ParseRoomName(m.Room)
	if err != nil {
		return protocol.Errorf(protocol.CodeBadPayload, "room: %v", err)
	}
	log.Info().Str("module", "signal").Str("conn", string(s.id)).Str("room", string(room)).Msg("leave")
	return ctl.Orch.Leave(ctx, s.id, room)
}
