package signal

import (
	"context"

	"github.com/dkeye/ClinicCall/internal/protocol"
)

// handleRelay forwards offer, answer and ice-candidate untouched. The server
// never terminates media itself.
func (ctl *SignalWSController) handleRelay(ctx context.Context, s *wsSession, m *protocol.Relay) error {
	return ctl.Orch.Relay(ctx, s.id, m)
}
