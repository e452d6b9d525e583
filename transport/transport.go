// Package transport adapts connectionless, best-effort datagram endpoints for
// the chat relay.
//
// Every Conn has a fixed receive timeout: Receive returns ErrTimeout when no
// datagram arrives within it, or earlier when the context deadline is closer.
// Nothing is retransmitted, ordered or deduplicated at this layer; that is
// the job of package reliable.
//
// Two implementations exist. UDP wraps a *net.UDPConn. MemoryNetwork is an
// in-process network whose links can drop or duplicate datagrams on demand, used to
// exercise the reliability layer under loss.
package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Receive when the receive timeout elapses.
var ErrTimeout = errors.New("receive timeout")

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("transport closed")

// Datagram is one received payload and its source address.
type Datagram struct {
	Payload []byte
	From    net.Addr
}

// Conn is a datagram endpoint.
type Conn interface {
	Send(payload []byte, to net.Addr) error
	Receive(ctx context.Context) (Datagram, error)
	// TryReceive returns a datagram already queued on the endpoint without
	// waiting for one. ok is false when nothing is queued.
	TryReceive() (dg Datagram, ok bool, err error)
	LocalAddr() net.Addr
	Close() error
}

// SameAddr compares two addresses by their string form.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

// IsTimeout reports whether err is a receive timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
