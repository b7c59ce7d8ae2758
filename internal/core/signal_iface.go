package core

import "errors"

// Frame is a raw encoded signaling message.
type Frame []byte

// ConnID identifies one live transport connection. An identity may own
// several of them over time (reconnects), never more than one at once.
type ConnID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

//go:generate mockgen -source=signal_iface.go -destination=mocks/signal_mock.go -package=mocks

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks; a full queue returns ErrBackpressure.
	TrySend(Frame) error
	// Close drops whatever is still queued.
	Close()
	// CloseAfterFlush refuses new frames, delivers the queued ones and
	// then closes.
	CloseAfterFlush()
}
