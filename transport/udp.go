package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// UDP is a Conn over a bound UDP socket.
type UDP struct {
	conn       *net.UDPConn
	timeout    time.Duration
	bufferSize int
}

// ListenUDP binds address ("host:port", port 0 picks one).
func ListenUDP(address string, timeout time.Duration, bufferSize int) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s failed", address)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s failed", address)
	}
	return &UDP{
		conn:       conn,
		timeout:    timeout,
		bufferSize: bufferSize,
	}, nil
}

// ResolveAddr resolves a UDP peer address.
func ResolveAddr(address string) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s failed", address)
	}
	return addr, nil
}

func (u *UDP) Send(payload []byte, to net.Addr) error {
	dst, ok := to.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", to.String())
		if err != nil {
			return errors.Wrapf(err, "resolve %s failed", to)
		}
		dst = resolved
	}
	if _, err := u.conn.WriteToUDP(payload, dst); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return errors.Wrapf(err, "write to %s failed", dst)
	}
	return nil
}

func (u *UDP) Receive(ctx context.Context) (Datagram, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Datagram{}, ErrTimeout
		}
		return Datagram{}, err
	}
	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return Datagram{}, errors.Wrap(err, "set read deadline failed")
	}
	// cancellation unblocks the read immediately
	stop := context.AfterFunc(ctx, func() {
		_ = u.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, u.bufferSize)
	n, src, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Datagram{}, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Datagram{}, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, errors.Wrap(err, "read datagram failed")
	}
	return Datagram{Payload: buf[:n], From: src}, nil
}

// pollWindow bounds a TryReceive read. A deadline already in the past fails
// before looking at the socket buffer.
const pollWindow = time.Millisecond

func (u *UDP) TryReceive() (Datagram, bool, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return Datagram{}, false, errors.Wrap(err, "set read deadline failed")
	}
	buf := make([]byte, u.bufferSize)
	n, src, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Datagram{}, false, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, false, ErrClosed
		}
		return Datagram{}, false, errors.Wrap(err, "read datagram failed")
	}
	return Datagram{Payload: buf[:n], From: src}, true, nil
}

func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
