package signal

import (
	"context"

	"github.com/dkeye/ClinicCall/internal/protocol"
)

func (ctl *SignalWSController) handleInitiate(ctx context.Context, s *wsSession, m *protocol.InitiateCall) error {
	return ctl.Orch.Initiate(ctx, s.id, m)
}

func (ctl *SignalWSController) handleAccept(ctx context.Context, s *wsSession, m *protocol.AcceptCall) error {
	return ctl.Orch.Accept(ctx, s.id, m)
}

func (ctl *SignalWSController) handleReject(ctx context.Context, s *wsSession, m *protocol.RejectCall) error {
	return ctl.Orch.Reject(ctx, s.id, m)
}

func (ctl *SignalWSController) handleEnd(ctx context.Context, s *wsSession, m *protocol.EndCall) error {
	return ctl.Orch.End(ctx, s.id, m)
}
