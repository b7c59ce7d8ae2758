package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/observability"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func callError(code protocol.Code, id domain.CallID, format string, args ...any) *protocol.Error {
	e := protocol.Errorf(code, format, args...)
	e.SessionID = string(id)
	return e
}

// lookup resolves a call id for a follow-up message. Ids of finished calls
// are a replay, anything else unknown is a client error.
func (o *Orchestrator) lookup(id domain.CallID) (*domain.Call, error) {
	if c, ok := o.Ledger.Get(id); ok {
		return c, nil
	}
	if st, ok := o.Ledger.Terminated(id); ok {
		return nil, fmt.Errorf("%w: call %s already %s", ErrStateConflict, id, st)
	}
	return nil, callError(protocol.CodeUnknownCall, id, "no such call %s", id)
}

// Initiate starts ringing req.To on behalf of conn's identity.
func (o *Orchestrator) Initiate(ctx context.Context, conn core.ConnID, req *protocol.InitiateCall) error {
	_, span := observability.Tracer().Start(ctx, "call.initiate", trace.WithAttributes(
		attribute.String("call.id", req.SessionID),
		attribute.String("call.target", req.To),
	))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	if o.closing {
		return protocol.Errorf(protocol.CodeUnavailable, "server is shutting down")
	}
	caller, err := o.identityOf(conn)
	if err != nil {
		return err
	}
	target, err := domain.ParseUserID(req.To)
	if err != nil {
		return protocol.Errorf(protocol.CodeBadPayload, "to: %v", err)
	}
	if target == caller {
		return protocol.Errorf(protocol.CodeBadPayload, "cannot call yourself")
	}
	typ, err := domain.ParseCallType(req.CallType)
	if err != nil {
		return protocol.Errorf(protocol.CodeBadPayload, "callType: %v", err)
	}

	id := domain.CallID(req.SessionID)
	if id == "" {
		id = o.newCallID()
	} else if existing, ok := o.Ledger.Get(id); ok {
		if existing.Initiator == caller && existing.Target == target {
			return fmt.Errorf("%w: duplicate initiate of %s", ErrStateConflict, id)
		}
		return callError(protocol.CodeBadPayload, id, "session id %s is in use", id)
	} else if _, ok := o.Ledger.Terminated(id); ok {
		return callError(protocol.CodeCallEnded, id, "call %s has ended", id)
	}

	if cur, ok := o.Ledger.CallOf(caller); ok {
		// Both sides dialed each other: the call that reached the server
		// first survives and the late caller is pointed at it.
		if cur.Status == domain.CallInitiated && cur.Initiator == target && cur.Target == caller {
			log.Info().Str("module", "orch").Str("call", string(id)).Str("existing", string(cur.ID)).Msg("glare")
			return o.sendTo(caller, protocol.TypeCallGlare, protocol.CallGlare{
				Type:              protocol.TypeCallGlare,
				SessionID:         id,
				ExistingSessionID: cur.ID,
				From:              target,
			})
		}
		return callError(protocol.CodeBusy, cur.ID, "already in call %s", cur.ID)
	}

	peer, ok := o.Registry.Resolve(target)
	if !ok {
		e := callError(protocol.CodeTargetNotFound, id, "user %s is not connected", target)
		e.Target = string(target)
		return e
	}

	now := o.now()
	call := domain.NewCall(id, caller, target, typ, now)

	if _, busy := o.Ledger.CallOf(target); busy {
		call.Status = domain.CallRejected
		call.EndedAt = now
		o.appendRecord(domain.RecordOf(call, target, protocol.ReasonBusy))
		log.Info().Str("module", "orch").Str("call", string(id)).Str("target", string(target)).Msg("target busy")
		return o.sendTo(caller, protocol.TypeCallRejected, protocol.CallRejected{
			Type:      protocol.TypeCallRejected,
			SessionID: id,
			Reason:    protocol.ReasonBusy,
			From:      target,
		})
	}

	o.Ledger.Add(call)
	o.Registry.SetCall(caller, id)
	o.Registry.SetCall(target, id)
	o.Ledger.Arm(id, o.ringTimeout(), func() { o.expire(id) })

	callerData := req.Caller
	if callerData == nil {
		if sess, ok := o.Registry.Resolve(caller); ok {
			callerData = sess.Data
		}
	}
	if err := o.send(peer.Signal, target, protocol.TypeIncomingCall, protocol.IncomingCall{
		Type:      protocol.TypeIncomingCall,
		SessionID: id,
		From:      caller,
		Caller:    callerData,
		CallType:  typ,
		Offer:     req.Offer,
	}); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call", string(id)).Msg("incoming-call not delivered")
	}
	log.Info().Str("module", "orch").Str("call", string(id)).Str("from", string(caller)).Str("to", string(target)).Str("kind", string(typ)).Msg("call initiated")
	return o.sendTo(caller, protocol.TypeCallInitiated, protocol.CallInitiated{
		Type:      protocol.TypeCallInitiated,
		SessionID: id,
		Callee:    target,
	})
}

// Accept answers a ringing call. Only the target may accept, once.
func (o *Orchestrator) Accept(ctx context.Context, conn core.ConnID, req *protocol.AcceptCall) error {
	_, span := observability.Tracer().Start(ctx, "call.accept", trace.WithAttributes(attribute.String("call.id", req.SessionID)))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	uid, err := o.identityOf(conn)
	if err != nil {
		return err
	}
	id := domain.CallID(req.SessionID)
	call, err := o.lookup(id)
	if err != nil {
		return err
	}
	if call.Target != uid {
		return callError(protocol.CodeNotParticipant, id, "only %s can accept call %s", call.Target, id)
	}
	if call.Status != domain.CallInitiated {
		return fmt.Errorf("%w: call %s is %s", ErrStateConflict, id, call.Status)
	}

	o.Ledger.Disarm(id)
	call.Status = domain.CallInProgress
	call.AnsweredAt = o.now()
	if !call.HasParticipant(uid) {
		call.Participants = append(call.Participants, uid)
	}
	log.Info().Str("module", "orch").Str("call", string(id)).Str("by", string(uid)).Msg("call accepted")

	if err := o.sendTo(call.Initiator, protocol.TypeCallAccepted, protocol.CallAccepted{
		Type:      protocol.TypeCallAccepted,
		SessionID: id,
		Answer:    req.Answer,
		CallerID:  call.Initiator,
		From:      uid,
	}); err != nil {
		if _, gone := protocol.AsError(err); gone {
			return o.terminateLocked(ctx, call, domain.CallEnded, call.Initiator, protocol.ReasonDisconnected)
		}
	}
	return nil
}

// Reject declines a ringing call. Only the target may reject.
func (o *Orchestrator) Reject(ctx context.Context, conn core.ConnID, req *protocol.RejectCall) error {
	ctx, span := observability.Tracer().Start(ctx, "call.reject", trace.WithAttributes(attribute.String("call.id", req.SessionID)))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	uid, err := o.identityOf(conn)
	if err != nil {
		return err
	}
	id := domain.CallID(req.SessionID)
	call, err := o.lookup(id)
	if err != nil {
		return err
	}
	if call.Target != uid {
		return callError(protocol.CodeNotParticipant, id, "only %s can reject call %s", call.Target, id)
	}
	if call.Status != domain.CallInitiated {
		return fmt.Errorf("%w: reject of %s call %s", ErrStateConflict, call.Status, id)
	}
	reason := req.Reason
	if reason == "" {
		reason = "rejected"
	}
	return o.terminateLocked(ctx, call, domain.CallRejected, uid, reason)
}

// End hangs up. Either side may end at any point, including while ringing.
func (o *Orchestrator) End(ctx context.Context, conn core.ConnID, req *protocol.EndCall) error {
	ctx, span := observability.Tracer().Start(ctx, "call.end", trace.WithAttributes(attribute.String("call.id", req.SessionID)))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	uid, err := o.identityOf(conn)
	if err != nil {
		return err
	}
	id := domain.CallID(req.SessionID)
	call, err := o.lookup(id)
	if err != nil {
		return err
	}
	if !call.Involves(uid) {
		return callError(protocol.CodeNotParticipant, id, "%s is not part of call %s", uid, id)
	}
	reason := req.Reason
	if reason == "" {
		reason = protocol.ReasonHangup
	}
	return o.terminateLocked(ctx, call, domain.CallEnded, uid, reason)
}

// terminateLocked notifies every other involved party, then drops the call
// from the ledger and writes its record. An empty by means the server ended
// it and everyone is told.
func (o *Orchestrator) terminateLocked(ctx context.Context, call *domain.Call, status domain.CallStatus, by domain.UserID, reason string) error {
	if !domain.CanTransition(call.Status, status) {
		return fmt.Errorf("%w: call %s is %s", ErrStateConflict, call.ID, call.Status)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("call.reason", reason))

	call.Status = status
	call.EndedAt = o.now()

	switch status {
	case domain.CallRejected:
		_ = o.sendTo(call.Initiator, protocol.TypeCallRejected, protocol.CallRejected{
			Type:      protocol.TypeCallRejected,
			SessionID: call.ID,
			Reason:    reason,
			From:      by,
		})
	case domain.CallEnded:
		msg := protocol.CallEnded{
			Type:      protocol.TypeCallEnded,
			SessionID: call.ID,
			Reason:    reason,
			EndedBy:   by,
			Duration:  int64(call.Duration() / time.Second),
		}
		for _, uid := range []domain.UserID{call.Initiator, call.Target} {
			if uid == by {
				continue
			}
			_ = o.sendTo(uid, protocol.TypeCallEnded, msg)
		}
	}

	o.Ledger.Remove(call.ID)
	o.Registry.ClearCall(call.Initiator, call.ID)
	o.Registry.ClearCall(call.Target, call.ID)
	rec := domain.RecordOf(call, by, reason)
	o.appendRecord(rec)
	log.Info().Str("module", "orch").Str("call", string(call.ID)).Str("status", string(rec.Status)).Str("by", string(by)).Str("reason", reason).Int64("duration", rec.DurationSec).Msg("call finished")
	return nil
}

// expire fires from the ring timer.
func (o *Orchestrator) expire(id domain.CallID) {
	ctx, span := observability.Tracer().Start(context.Background(), "call.expire", trace.WithAttributes(attribute.String("call.id", string(id))))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()
	o.expireLocked(ctx, id)
}

func (o *Orchestrator) expireLocked(ctx context.Context, id domain.CallID) {
	call, ok := o.Ledger.Get(id)
	if !ok || call.Status != domain.CallInitiated {
		return
	}
	if err := o.terminateLocked(ctx, call, domain.CallEnded, "", protocol.ReasonNoAnswer); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call", string(id)).Msg("ring timeout")
	}
}

// ExpireOverdue ends every call that rang longer than the ring timeout as of
// now. It backs up the per-call timers and returns how many calls it ended.
func (o *Orchestrator) ExpireOverdue(ctx context.Context, now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	ids := o.Ledger.Ringing(now.Add(-o.ringTimeout()))
	for _, id := range ids {
		o.expireLocked(ctx, id)
	}
	return len(ids)
}

// Shutdown ends every live call with a record and refuses new calls. It
// returns how many calls it ended.
func (o *Orchestrator) Shutdown(ctx context.Context) int {
	ctx, span := observability.Tracer().Start(ctx, "orch.shutdown")
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	o.closing = true
	n := 0
	for _, snap := range o.Ledger.Snapshot() {
		call, ok := o.Ledger.Get(snap.ID)
		if !ok {
			continue
		}
		if err := o.terminateLocked(ctx, call, domain.CallEnded, "", protocol.ReasonShutdown); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("call", string(call.ID)).Msg("shutdown")
			continue
		}
		n++
	}
	log.Info().Str("module", "orch").Int("calls", n).Msg("orchestrator closed")
	return n
}
