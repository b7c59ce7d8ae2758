package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/ClinicCall/internal/app"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/observability"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrStateConflict marks a replayed or out-of-order transition. Callers log
// it and move on; nothing is sent back.
var ErrStateConflict = errors.New("state conflict")

const DefaultRingTimeout = 45 * time.Second

// Orchestrator drives registration, rooms and the call lifecycle. Every
// message-triggered mutation runs under mu, so each one is atomic relative to
// all others; the maps keep their own locks for concurrent readers.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomDirectory
	Ledger   *app.Ledger
	Policy   app.Policy
	Records  core.RecordStore
	Metrics  *observability.Metrics

	RingTimeout time.Duration
	// Now and NewCallID are replaceable in tests.
	Now       func() time.Time
	NewCallID func() domain.CallID

	mu      sync.Mutex
	closing bool
	pending sync.WaitGroup
}

// Config holds the call timing limits. Zero values take defaults.
type Config struct {
	RingTimeout       time.Duration
	TombstoneTTL      time.Duration
	TombstoneCapacity int
}

// New wires an orchestrator with fresh in-memory maps.
func New(records core.RecordStore, metrics *observability.Metrics, cfg Config) *Orchestrator {
	return &Orchestrator{
		Registry:    app.NewRegistry(),
		Rooms:       app.NewRoomDirectory(),
		Ledger:      app.NewLedger(cfg.TombstoneTTL, cfg.TombstoneCapacity),
		Policy:      app.SimplePolicy{},
		Records:     records,
		Metrics:     metrics,
		RingTimeout: cfg.RingTimeout,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) newCallID() domain.CallID {
	if o.NewCallID != nil {
		return o.NewCallID()
	}
	return domain.CallID(uuid.NewString())
}

func (o *Orchestrator) ringTimeout() time.Duration {
	if o.RingTimeout > 0 {
		return o.RingTimeout
	}
	return DefaultRingTimeout
}

// Drain waits for in-flight record writes. Call it after Shutdown so no new
// write can start.
func (o *Orchestrator) Drain() {
	o.pending.Wait()
}

// send encodes v and queues it on sc. A full queue goes through the policy.
func (o *Orchestrator) send(sc core.SignalConnection, uid domain.UserID, typ protocol.Type, v any) error {
	frame, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(typ)).Msg("encode")
		return err
	}
	if err := sc.TrySend(frame); err != nil {
		if errors.Is(err, core.ErrBackpressure) {
			o.onBackpressure(sc, uid)
		}
		log.Warn().Err(err).Str("module", "orch").Str("user", string(uid)).Str("type", string(typ)).Msg("send failed")
		return err
	}
	if o.Metrics != nil {
		o.Metrics.MessagesTotal.WithLabelValues(string(typ), "outbound").Inc()
	}
	return nil
}

// sendTo resolves uid through the registry, so it always hits the newest handle.
func (o *Orchestrator) sendTo(uid domain.UserID, typ protocol.Type, v any) error {
	sess, ok := o.Registry.Resolve(uid)
	if !ok {
		return protocol.Errorf(protocol.CodeTargetNotFound, "user %s is not connected", uid)
	}
	return o.send(sess.Signal, uid, typ, v)
}

func (o *Orchestrator) onBackpressure(sc core.SignalConnection, uid domain.UserID) {
	if o.Metrics != nil {
		o.Metrics.Backpressure.Inc()
	}
	if o.Policy == nil {
		return
	}
	var conn core.ConnID
	if sess, ok := o.Registry.Resolve(uid); ok && sess.Signal == sc {
		conn = sess.Conn
	}
	switch o.Policy.OnBackPressure(conn, uid) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("user", string(uid)).Msg("kicking slow connection")
		// The transport reports the close back through Disconnect.
		sc.Close()
	case app.DropFrame, app.NoAction:
	}
}

// ReportError sends a protocol error to the offending connection only.
func (o *Orchestrator) ReportError(sc core.SignalConnection, req protocol.Type, err error) {
	pe, ok := protocol.AsError(err)
	if !ok {
		pe = &protocol.Error{Code: protocol.CodeBadPayload, Message: err.Error()}
	}
	if o.Metrics != nil {
		o.Metrics.ProtocolErrors.WithLabelValues(string(pe.Code)).Inc()
	}
	_ = o.send(sc, "", protocol.TypeError, pe.ToMessage(req))
}

// Pong answers a keepalive ping.
func (o *Orchestrator) Pong(sc core.SignalConnection) {
	_ = o.send(sc, "", protocol.TypePong, protocol.Pong{Type: protocol.TypePong, At: o.now()})
}

func (o *Orchestrator) identityOf(conn core.ConnID) (domain.UserID, error) {
	uid, ok := o.Registry.IdentityOf(conn)
	if !ok {
		return "", protocol.Errorf(protocol.CodeNotRegistered, "register-user first")
	}
	return uid, nil
}

func (o *Orchestrator) appendRecord(rec domain.CallRecord) {
	if o.Metrics != nil {
		o.Metrics.CallsTotal.WithLabelValues(string(rec.Status)).Inc()
		if rec.Status == domain.RecordCompleted {
			o.Metrics.CallDuration.Observe(float64(rec.DurationSec))
		}
	}
	if o.Records == nil {
		return
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Records.Append(ctx, rec); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("call", string(rec.CallID)).Msg("append call record")
		}
	}()
}

// RefreshGauges publishes the map sizes.
func (o *Orchestrator) RefreshGauges() {
	if o.Metrics == nil {
		return
	}
	o.Metrics.ActiveSessions.Set(float64(o.Registry.Count()))
	o.Metrics.ActiveRooms.Set(float64(o.Rooms.Count()))
	o.Metrics.ActiveCalls.Set(float64(o.Ledger.Count()))
}
