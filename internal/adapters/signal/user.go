package signal

import (
	"context"

	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// identity parses a client-claimed user id and checks it against the
// identity pinned by auth, if any.
func (s *wsSession) identity(raw string) (domain.UserID, error) {
	uid, err := domain.ParseUserID(raw)
	if err != nil {
		return "", protocol.Errorf(protocol.CodeBadPayload, "userId: %v", err)
	}
	if s.pinned != "" && uid != s.pinned {
		return "", protocol.Errorf(protocol.CodeIdentityMismatch, "token is for %s", s.pinned)
	}
	return uid, nil
}

func (ctl *SignalWSController) handleRegister(ctx context.Context, s *wsSession, m *protocol.RegisterUser) error {
	uid, err := s.identity(m.UserID)
	if err != nil {
		return err
	}
	log.Info().Str("module", "signal").Str("conn", string(s.id)).Str("user", string(uid)).Msg("register")
	return ctl.Orch.Register(ctx, s.id, s.conn, uid, m.UserData)
}
