package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

type LinkState string

const (
	LinkDisconnected LinkState = "disconnected"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkFailed       LinkState = "failed"
)

// ErrSessionReplaced ends the link without reconnecting: another device
// registered the same identity.
var ErrSessionReplaced = errors.New("session replaced by another connection")

type ReconnectOptions struct {
	// MaxAttempts caps dial attempts per outage; zero means unlimited.
	MaxAttempts         uint
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func (o ReconnectOptions) withDefaults() ReconnectOptions {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.Multiplier <= 1 {
		o.Multiplier = 2
	}
	if o.RandomizationFactor < 0 || o.RandomizationFactor > 1 {
		o.RandomizationFactor = backoff.DefaultRandomizationFactor
	}
	return o
}

func (o ReconnectOptions) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	b.MaxInterval = o.MaxInterval
	b.Multiplier = o.Multiplier
	b.RandomizationFactor = o.RandomizationFactor
	return b
}

// Reconnector keeps one signaling link up. After MaxAttempts failed dials
// it parks in LinkFailed until Retry.
type Reconnector struct {
	dial DialFunc
	opts ReconnectOptions

	// OnConnect runs on every fresh connection before it is served.
	OnConnect func(Conn) error
	// OnState observes link transitions. err is set for LinkFailed and for
	// the drop that led to LinkDisconnected.
	OnState func(LinkState, error)

	mu    sync.Mutex
	state LinkState
	err   error
	retry chan struct{}
}

func NewReconnector(dial DialFunc, opts ReconnectOptions) *Reconnector {
	return &Reconnector{
		dial:  dial,
		opts:  opts.withDefaults(),
		state: LinkDisconnected,
		retry: make(chan struct{}, 1),
	}
}

func (r *Reconnector) State() (LinkState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.err
}

func (r *Reconnector) set(s LinkState, err error) {
	r.mu.Lock()
	r.state, r.err = s, err
	r.mu.Unlock()
	ev := log.Info().Str("module", "client.link").Str("state", string(s))
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("link")
	if r.OnState != nil {
		_ = supervise("link observer", func() { r.OnState(s, err) })
	}
}

// Retry wakes a failed reconnector for a new round of attempts.
func (r *Reconnector) Retry() {
	select {
	case r.retry <- struct{}{}:
	default:
	}
}

// Connect dials with exponential backoff and runs OnConnect.
func (r *Reconnector) Connect(ctx context.Context) (Conn, error) {
	r.set(LinkConnecting, nil)
	attempt := 0
	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		attempt++
		c, err := r.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if r.OnConnect != nil {
			if err := r.OnConnect(c); err != nil {
				_ = c.Close()
				return nil, err
			}
		}
		return c, nil
	},
		backoff.WithBackOff(r.opts.backOff()),
		backoff.WithMaxTries(r.opts.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("module", "client.link").Int("attempt", attempt).Dur("next", next).Msg("dial failed")
		}),
	)
	if err != nil {
		r.set(LinkFailed, err)
		return nil, err
	}
	r.set(LinkConnected, nil)
	return conn, nil
}

// Run keeps the link alive until ctx ends. serve blocks for the lifetime of
// one connection and returns why it dropped.
func (r *Reconnector) Run(ctx context.Context, serve func(Conn) error) error {
	for {
		conn, err := r.Connect(ctx)
		if err == nil {
			err = serve(conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrSessionReplaced) {
				r.set(LinkDisconnected, err)
				continue
			}
			r.set(LinkFailed, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.retry:
		}
	}
}
