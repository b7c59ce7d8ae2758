package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/ClinicCall/internal/app/orch"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// IdentityKey is the gin context key holding an identity pinned by auth.
const IdentityKey = "identity"

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	SendBuffer int
	// RatePerSecond <= 0 disables inbound rate limiting.
	RatePerSecond float64
	RateBurst     int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	opts    Options
	limiter *ConnRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	return &SignalWSController{
		Orch:    o,
		opts:    opts,
		limiter: NewConnRateLimiter(opts.RatePerSecond, opts.RateBurst),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// stop refuses further frames. It reports false if already stopped.
func (c *WsSignalConn) stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

func (c *WsSignalConn) Close() {
	c.stop()
	_ = c.conn.Close()
}

// CloseAfterFlush lets writePump deliver the queue, send a close frame and
// close the socket.
func (c *WsSignalConn) CloseAfterFlush() {
	c.stop()
}

// wsSession is the per-connection state owned by readPump.
type wsSession struct {
	id     core.ConnID
	conn   *WsSignalConn
	pinned domain.UserID
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the pumps until the socket
// closes or ctx is done.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	s := &wsSession{
		id: core.ConnID(uuid.NewString()),
		conn: &WsSignalConn{
			conn: ws,
			send: make(chan core.Frame, ctl.opts.SendBuffer),
		},
		pinned: domain.UserID(c.GetString(IdentityKey)),
	}
	log.Info().Str("module", "signal").Str("conn", string(s.id)).Str("client", c.GetString("client_token")).Str("pinned", string(s.pinned)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, s.conn)
	go ctl.readPump(ctx, cancel, s)
}
