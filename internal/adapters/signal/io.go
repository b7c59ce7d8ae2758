package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/ClinicCall/internal/app/orch"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				_ = c.conn.Close()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, s *wsSession) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(s.id)).Msg("readPump closing")
		ctl.Orch.Disconnect(context.WithoutCancel(ctx), s.id)
		ctl.limiter.Forget(s.id)
		s.conn.Close()
		cancel()
	}()

	ws := s.conn.conn
	ws.SetReadLimit(ctl.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		if ctx.Err() != nil {
			log.Info().Str("module", "signal").Str("conn", string(s.id)).Msg("readPump ctx done")
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(s.id)).Msg("readPump read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
		ctl.handleSignal(ctx, s, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, s *wsSession, data []byte) {
	if !ctl.limiter.Allow(s.id) {
		ctl.report(s, "", protocol.Errorf(protocol.CodeRateLimited, "too many messages"))
		return
	}

	typ, msg, err := protocol.Decode(data)
	if m := ctl.Orch.Metrics; m != nil && typ != "" {
		m.MessagesTotal.WithLabelValues(string(typ), "inbound").Inc()
	}
	if err != nil {
		ctl.report(s, typ, err)
		return
	}

	switch m := msg.(type) {
	case *protocol.RegisterUser:
		err = ctl.handleRegister(ctx, s, m)
	case *protocol.JoinRoom:
		err = ctl.handleJoin(ctx, s, m)
	case *protocol.LeaveRoom:
		err = ctl.handleLeave(ctx, s, m)
	case *protocol.Relay:
		err = ctl.handleRelay(ctx, s, m)
	case *protocol.InitiateCall:
		err = ctl.handleInitiate(ctx, s, m)
	case *protocol.AcceptCall:
		err = ctl.handleAccept(ctx, s, m)
	case *protocol.RejectCall:
		err = ctl.handleReject(ctx, s, m)
	case *protocol.EndCall:
		err = ctl.handleEnd(ctx, s, m)
	case *protocol.Envelope:
		ctl.handlePing(s)
	}
	ctl.report(s, typ, err)
}

// report sends protocol errors back; state conflicts are replays and only logged.
func (ctl *SignalWSController) report(s *wsSession, typ protocol.Type, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, orch.ErrStateConflict) {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(s.id)).Str("type", string(typ)).Msg("ignored")
		return
	}
	log.Warn().Err(err).Str("module", "signal").Str("conn", string(s.id)).Str("type", string(typ)).Msg("rejected message")
	ctl.Orch.ReportError(s.conn, typ, err)
}
