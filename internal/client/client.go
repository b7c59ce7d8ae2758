package client

import (
	"context"
	"sync"

	"github.com/dkeye/ClinicCall/internal/adapters/rtc"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Options struct {
	UserID   domain.UserID
	UserData domain.UserData
	Dial     DialFunc
	Peers    PeerFactory
	Media    rtc.MediaSource

	Reconnect ReconnectOptions
}

// RoomObserver sees the member list of the joined room after every change.
type RoomObserver func(room domain.RoomName, participants []core.MemberDTO)

// Client owns the event loop, the signaling link and the call machine.
// Its exported methods are safe for concurrent use.
type Client struct {
	opts    Options
	events  chan func()
	done    chan struct{}
	machine *Machine
	link    *Reconnector

	mu     sync.Mutex
	conn   Conn
	room   domain.RoomName
	onRoom []RoomObserver
}

// New builds a client. ctx bounds acquired media.
func New(ctx context.Context, opts Options) *Client {
	c := &Client{
		opts:   opts,
		events: make(chan func(), 256),
		done:   make(chan struct{}),
	}
	c.machine = NewMachine(ctx, MachineConfig{
		Self:  opts.UserID,
		Data:  opts.UserData,
		Send:  c,
		Peers: opts.Peers,
		Media: opts.Media,
		Post:  c.post,
	})
	c.link = NewReconnector(opts.Dial, opts.Reconnect)
	c.link.OnConnect = c.onConnect
	c.link.OnState = func(s LinkState, _ error) {
		if s == LinkFailed {
			c.post(c.machine.TransportLost)
		}
	}
	return c
}

func (c *Client) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// exec runs fn on the loop and waits for its result.
func (c *Client) exec(ctx context.Context, fn func(*Machine) error) error {
	res := make(chan error, 1)
	c.post(func() { res <- fn(c.machine) })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return context.Canceled
	}
}

// Run serves the event loop and the link until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		for {
			select {
			case fn := <-c.events:
				_ = supervise("event", fn)
			case <-ctx.Done():
				close(c.done)
				return
			}
		}
	}()
	return c.link.Run(ctx, c.serve)
}

// Send implements Sender over the current connection.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(v)
}

// onConnect re-registers and re-joins the last room. Both are idempotent on
// the server.
func (c *Client) onConnect(conn Conn) error {
	if err := conn.Send(protocol.RegisterUser{
		Type:     protocol.TypeRegisterUser,
		UserID:   string(c.opts.UserID),
		UserData: c.opts.UserData,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room != "" {
		if err := conn.Send(protocol.JoinRoom{
			Type:     protocol.TypeJoinRoom,
			Room:     string(room),
			UserID:   string(c.opts.UserID),
			UserData: c.opts.UserData,
		}); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) serve(conn Conn) error {
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	replaced := false
	for {
		data, err := conn.Read()
		if err != nil {
			if replaced {
				return ErrSessionReplaced
			}
			return err
		}
		typ, msg, err := protocol.DecodeEvent(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("bad frame")
			continue
		}
		if typ == protocol.TypeSessionReplaced {
			replaced = true
		}
		c.post(func() { c.dispatch(msg) })
	}
}

func (c *Client) dispatch(msg any) {
	switch v := msg.(type) {
	case *protocol.RoomJoined:
		c.roomChanged(v.Room, v.Participants)
	case *protocol.UserJoined:
		c.roomChanged(v.Room, v.Participants)
	case *protocol.UserLeft:
		c.roomChanged(v.Room, v.Participants)
	case *protocol.UserRegistered:
		log.Info().Str("module", "client").Str("user", string(v.UserID)).Msg("registered")
	default:
		c.machine.Handle(msg)
	}
}

func (c *Client) roomChanged(room domain.RoomName, members []core.MemberDTO) {
	c.mu.Lock()
	observers := c.onRoom
	c.mu.Unlock()
	for _, o := range observers {
		_ = supervise("room observer", func() { o(room, members) })
	}
}

// OnRoom registers a room observer.
func (c *Client) OnRoom(o RoomObserver) {
	c.mu.Lock()
	c.onRoom = append(c.onRoom, o)
	c.mu.Unlock()
}

// Subscribe registers a call observer. Observers run on the event loop.
func (c *Client) Subscribe(ctx context.Context, o Observer) error {
	return c.exec(ctx, func(m *Machine) error {
		m.Subscribe(o)
		return nil
	})
}

// Link reports the signaling link state.
func (c *Client) Link() (LinkState, error) { return c.link.State() }

// Reconnect wakes a failed link.
func (c *Client) Reconnect() { c.link.Retry() }

func (c *Client) JoinRoom(room domain.RoomName) error {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return c.Send(protocol.JoinRoom{
		Type:     protocol.TypeJoinRoom,
		Room:     string(room),
		UserID:   string(c.opts.UserID),
		UserData: c.opts.UserData,
	})
}

func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.mu.Unlock()
	if room == "" {
		return nil
	}
	return c.Send(protocol.LeaveRoom{Type: protocol.TypeLeaveRoom, Room: string(room)})
}

func (c *Client) Call(ctx context.Context, peer domain.UserID, typ domain.CallType) error {
	return c.exec(ctx, func(m *Machine) error { return m.Call(peer, typ) })
}

func (c *Client) Accept(ctx context.Context) error {
	return c.exec(ctx, (*Machine).Accept)
}

func (c *Client) Reject(ctx context.Context, reason string) error {
	return c.exec(ctx, func(m *Machine) error { return m.Reject(reason) })
}

func (c *Client) Hangup(ctx context.Context) error {
	return c.exec(ctx, (*Machine).Hangup)
}

func (c *Client) Acknowledge(ctx context.Context) error {
	return c.exec(ctx, (*Machine).Acknowledge)
}

func (c *Client) Retry(ctx context.Context) error {
	return c.exec(ctx, (*Machine).Retry)
}

func (c *Client) SetAudioEnabled(ctx context.Context, on bool) error {
	return c.exec(ctx, func(m *Machine) error {
		m.SetAudioEnabled(on)
		return nil
	})
}

func (c *Client) SetVideoEnabled(ctx context.Context, on bool) error {
	return c.exec(ctx, func(m *Machine) error {
		m.SetVideoEnabled(on)
		return nil
	})
}

// Snapshot reads the machine state through the loop.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.exec(ctx, func(m *Machine) error {
		s = m.Snapshot()
		return nil
	})
	return s, err
}
