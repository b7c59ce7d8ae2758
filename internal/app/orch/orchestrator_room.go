package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/ClinicCall/internal/app"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/observability"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Register binds uid to conn. Re-registering an identity from a new
// connection migrates it: room membership and the current call move over and
// the old connection is told and closed.
func (o *Orchestrator) Register(ctx context.Context, conn core.ConnID, sc core.SignalConnection, uid domain.UserID, data domain.UserData) error {
	_, span := observability.Tracer().Start(ctx, "session.register", trace.WithAttributes(attribute.String("user", string(uid))))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()
	return o.registerLocked(conn, sc, uid, data)
}

func (o *Orchestrator) registerLocked(conn core.ConnID, sc core.SignalConnection, uid domain.UserID, data domain.UserData) error {
	if cur, ok := o.Registry.IdentityOf(conn); ok && cur != uid {
		return protocol.Errorf(protocol.CodeIdentityMismatch, "connection already registered as %s", cur)
	}
	sess, replaced := o.Registry.Register(uid, conn, sc, data)
	if replaced != nil {
		if _, ok := o.Rooms.Rebind(replaced.Conn, conn, sc); !ok && sess.Room != "" {
			o.Registry.SetRoom(uid, "")
		}
		log.Info().Str("module", "orch").Str("user", string(uid)).Str("from", string(replaced.Conn)).Str("to", string(conn)).Str("call", string(sess.Call)).Msg("session migrated")
		_ = o.send(replaced.Signal, uid, protocol.TypeSessionReplaced, protocol.SessionReplaced{Type: protocol.TypeSessionReplaced, UserID: uid})
		replaced.Signal.CloseAfterFlush()
	}
	return o.send(sc, uid, protocol.TypeUserRegistered, protocol.UserRegistered{Type: protocol.TypeUserRegistered, UserID: uid})
}

// Join puts conn into room. An unregistered connection is registered on the
// way, since join-room carries the identity too.
func (o *Orchestrator) Join(ctx context.Context, conn core.ConnID, sc core.SignalConnection, room domain.RoomName, uid domain.UserID, data domain.UserData) error {
	_, span := observability.Tracer().Start(ctx, "room.join", trace.WithAttributes(
		attribute.String("room", string(room)),
		attribute.String("user", string(uid)),
	))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	cur, ok := o.Registry.IdentityOf(conn)
	switch {
	case !ok:
		if err := o.registerLocked(conn, sc, uid, data); err != nil {
			return err
		}
	case cur != uid:
		return protocol.Errorf(protocol.CodeIdentityMismatch, "connection registered as %s", cur)
	}
	if data == nil {
		if sess, ok := o.Registry.Resolve(uid); ok {
			data = sess.Data
		}
	}

	res := o.Rooms.Join(conn, sc, uid, room, data)
	o.Registry.SetRoom(uid, room)
	if res.Left != nil {
		o.notifyLeft(res.Left)
	}

	// Snapshot first, then tell the others: a later joiner always sees this
	// one in its own snapshot, never as a duplicate notification.
	if err := o.send(sc, uid, protocol.TypeRoomJoined, protocol.RoomJoined{
		Type:         protocol.TypeRoomJoined,
		Room:         room,
		Participants: res.Snapshot,
	}); err != nil {
		return fmt.Errorf("send room snapshot: %w", err)
	}
	if !res.Joined {
		return nil
	}
	joined := protocol.UserJoined{
		Type:         protocol.TypeUserJoined,
		Room:         room,
		UserID:       uid,
		UserData:     data,
		Participants: res.Snapshot,
	}
	for _, m := range res.Others {
		_ = o.send(m.Signal, m.Meta.User.ID, protocol.TypeUserJoined, joined)
	}
	log.Info().Str("module", "orch").Str("user", string(uid)).Str("room", string(room)).Int("members", len(res.Snapshot)).Msg("joined room")
	return nil
}

// Leave removes conn from room.
func (o *Orchestrator) Leave(ctx context.Context, conn core.ConnID, room domain.RoomName) error {
	_, span := observability.Tracer().Start(ctx, "room.leave", trace.WithAttributes(attribute.String("room", string(room))))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	res, ok := o.Rooms.Leave(conn, room)
	if !ok {
		return fmt.Errorf("%w: %s is not in room %s", ErrStateConflict, conn, room)
	}
	if uid, ok := o.Registry.IdentityOf(conn); ok {
		o.Registry.SetRoom(uid, "")
	}
	o.notifyLeft(res)
	return nil
}

func (o *Orchestrator) notifyLeft(res *app.LeaveResult) {
	participants := make([]core.MemberDTO, 0, len(res.Remaining))
	for _, m := range res.Remaining {
		participants = append(participants, core.MemberDTO{ID: m.Meta.User.ID, Data: m.Meta.User.Data.Clone(), JoinedAt: m.Meta.JoinedAt})
	}
	left := protocol.UserLeft{
		Type:         protocol.TypeUserLeft,
		Room:         res.Room,
		UserID:       res.Member.Meta.User.ID,
		Participants: participants,
	}
	for _, m := range res.Remaining {
		_ = o.send(m.Signal, m.Meta.User.ID, protocol.TypeUserLeft, left)
	}
}

// Disconnect is the transport-loss cascade. A live call is ended and its
// peer notified before the identity leaves the registry.
func (o *Orchestrator) Disconnect(ctx context.Context, conn core.ConnID) {
	ctx, span := observability.Tracer().Start(ctx, "session.disconnect", trace.WithAttributes(attribute.String("conn", string(conn))))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.RefreshGauges()

	uid, registered := o.Registry.IdentityOf(conn)
	if registered {
		if call, ok := o.Ledger.CallOf(uid); ok {
			if err := o.terminateLocked(ctx, call, domain.CallEnded, uid, protocol.ReasonDisconnected); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("call", string(call.ID)).Msg("disconnect cascade")
			}
		}
	}
	if res, ok := o.Rooms.LeaveAny(conn); ok {
		o.notifyLeft(res)
	}
	if registered {
		o.Registry.Remove(conn)
	}
	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("user", string(uid)).Msg("disconnected")
}
