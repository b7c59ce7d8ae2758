package orch

import (
	"context"
	"errors"

	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/observability"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Relay forwards offer, answer and ice-candidate to the current handle of
// msg.To. The payload is copied byte for byte and stamped with the sender.
func (o *Orchestrator) Relay(ctx context.Context, conn core.ConnID, msg *protocol.Relay) error {
	_, span := observability.Tracer().Start(ctx, "signal.relay", trace.WithAttributes(
		attribute.String("type", string(msg.Type)),
		attribute.String("call.id", msg.SessionID),
	))
	defer span.End()

	// Held so a relay cannot interleave with a migration of either side.
	o.mu.Lock()
	defer o.mu.Unlock()

	from, err := o.identityOf(conn)
	if err != nil {
		return err
	}
	if msg.SessionID != "" {
		if _, ended := o.Ledger.Terminated(domain.CallID(msg.SessionID)); ended {
			return callError(protocol.CodeCallEnded, domain.CallID(msg.SessionID), "call %s has ended", msg.SessionID)
		}
	}
	target := domain.UserID(msg.To)
	sess, ok := o.Registry.Resolve(target)
	if !ok {
		e := callError(protocol.CodeTargetNotFound, domain.CallID(msg.SessionID), "user %s is not connected", target)
		e.Target = msg.To
		return e
	}

	out := protocol.Relay{
		Type:      msg.Type,
		From:      string(from),
		SessionID: msg.SessionID,
	}
	switch msg.Type {
	case protocol.TypeOffer:
		out.Offer = msg.Offer
	case protocol.TypeAnswer:
		out.Answer = msg.Answer
	case protocol.TypeICECandidate:
		out.Candidate = msg.Candidate
	}
	if err := o.send(sess.Signal, target, msg.Type, out); err != nil {
		if errors.Is(err, core.ErrBackpressure) || errors.Is(err, core.ErrConnClosed) {
			e := callError(protocol.CodeDeliveryFailed, domain.CallID(msg.SessionID), "could not deliver to %s", target)
			e.Target = msg.To
			e.Err = err
			return e
		}
		return err
	}
	return nil
}
