package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrAddrInUse is returned when a MemoryNetwork address is already bound.
var ErrAddrInUse = errors.New("address already in use")

const memoryInboxSize = 64

// MemoryAddr addresses a MemoryConn.
type MemoryAddr string

func (a MemoryAddr) Network() string { return "memory" }
func (a MemoryAddr) String() string  { return string(a) }

// Filter decides whether a datagram in flight is delivered. Returning false
// drops it.
type Filter func(from, to net.Addr, payload []byte) bool

// MemoryNetwork connects MemoryConns in-process. Delivery is best-effort:
// datagrams to unknown addresses, to full inboxes, or rejected by the
// filter vanish without error.
type MemoryNetwork struct {
	mu        sync.RWMutex
	conns     map[string]*MemoryConn
	filter    Filter
	duplicate Filter
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		conns: make(map[string]*MemoryConn),
	}
}

// SetFilter installs f for all subsequent sends. nil delivers everything.
func (n *MemoryNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// SetDuplicator makes every datagram for which f returns true arrive twice.
// nil stops duplication.
func (n *MemoryNetwork) SetDuplicator(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicate = f
}

// Listen binds a new endpoint at address.
func (n *MemoryNetwork) Listen(address string, timeout time.Duration) (*MemoryConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[address]; ok {
		return nil, errors.Wrap(ErrAddrInUse, address)
	}
	c := &MemoryConn{
		network: n,
		addr:    MemoryAddr(address),
		timeout: timeout,
		inbox:   make(chan Datagram, memoryInboxSize),
		closed:  make(chan struct{}),
	}
	n.conns[address] = c
	return c, nil
}

func (n *MemoryNetwork) route(from, to net.Addr, payload []byte) {
	n.mu.RLock()
	dst := n.conns[to.String()]
	filter, duplicate := n.filter, n.duplicate
	n.mu.RUnlock()
	if filter != nil && !filter(from, to, payload) {
		return
	}
	if dst == nil {
		return
	}
	copies := 1
	if duplicate != nil && duplicate(from, to, payload) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		cpy := make([]byte, len(payload))
		copy(cpy, payload)
		select {
		case dst.inbox <- Datagram{Payload: cpy, From: from}:
		default:
		}
	}
}

func (n *MemoryNetwork) unbind(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, address)
}

// MemoryConn is a Conn on a MemoryNetwork.
type MemoryConn struct {
	network   *MemoryNetwork
	addr      MemoryAddr
	timeout   time.Duration
	inbox     chan Datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *MemoryConn) Send(payload []byte, to net.Addr) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.network.route(c.addr, to, payload)
	return nil
}

func (c *MemoryConn) Receive(ctx context.Context) (Datagram, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Datagram{}, ErrTimeout
		}
		return Datagram{}, err
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case dg := <-c.inbox:
		return dg, nil
	case <-c.closed:
		return Datagram{}, ErrClosed
	case <-timer.C:
		return Datagram{}, ErrTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Datagram{}, ErrTimeout
		}
		return Datagram{}, ctx.Err()
	}
}

func (c *MemoryConn) TryReceive() (Datagram, bool, error) {
	select {
	case <-c.closed:
		return Datagram{}, false, ErrClosed
	default:
	}
	select {
	case dg := <-c.inbox:
		return dg, true, nil
	default:
		return Datagram{}, false, nil
	}
}

func (c *MemoryConn) LocalAddr() net.Addr {
	return c.addr
}

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.unbind(string(c.addr))
	})
	return nil
}
