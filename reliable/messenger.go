package reliable

import (
	"context"
	"net"
	"time"

	"relaychat/protocol"
	"relaychat/transport"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Defaults for a Messenger.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffUnit = time.Second
	DefaultBackoffCap  = 10 * time.Second
)

// Messenger runs handshakes over a transport.Conn.
type Messenger struct {
	conn        transport.Conn
	timeout     time.Duration
	maxRetries  int
	backoffUnit time.Duration
	backoffCap  time.Duration
	sleep       func(context.Context, time.Duration) error
	logger      logrus.FieldLogger
}

// Cfg configures a Messenger.
type Cfg func(*Messenger) error

// WithTimeout sets how long to wait for each ACK.
func WithTimeout(d time.Duration) Cfg {
	return func(m *Messenger) error {
		if d <= 0 {
			return errors.Wrap(ErrInvalidCfg, "timeout must be positive")
		}
		m.timeout = d
		return nil
	}
}

// WithMaxRetries sets the total number of attempts per exchange.
func WithMaxRetries(n int) Cfg {
	return func(m *Messenger) error {
		if n < 1 {
			return errors.Wrap(ErrInvalidCfg, "max retries must be at least 1")
		}
		m.maxRetries = n
		return nil
	}
}

// WithBackoff sets the delay unit doubled per attempt and its cap.
func WithBackoff(unit, limit time.Duration) Cfg {
	return func(m *Messenger) error {
		if unit < 0 || limit < 0 {
			return errors.Wrap(ErrInvalidCfg, "backoff must not be negative")
		}
		m.backoffUnit = unit
		m.backoffCap = limit
		return nil
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Cfg {
	return func(m *Messenger) error {
		m.sleep = fn
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Cfg {
	return func(m *Messenger) error {
		m.logger = l
		return nil
	}
}

// New creates a Messenger on conn.
func New(conn transport.Conn, cfgs ...Cfg) (*Messenger, error) {
	m := &Messenger{
		conn:        conn,
		timeout:     DefaultTimeout,
		maxRetries:  DefaultMaxRetries,
		backoffUnit: DefaultBackoffUnit,
		backoffCap:  DefaultBackoffCap,
		sleep:       sleepContext,
		logger:      logger,
	}
	for _, cfg := range cfgs {
		if err := cfg(m); err != nil {
			return nil, errors.Wrap(err, "apply Messenger cfg failed")
		}
	}
	return m, nil
}

// Reply is the follow-up payload of a handshake.
type Reply struct {
	Payload string
	From    net.Addr
}

// Backoff returns min(unit*2^attempt, limit).
func Backoff(attempt int, unit, limit time.Duration) time.Duration {
	d := unit
	for i := 0; i < attempt; i++ {
		if d >= limit {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Backoff returns the delay that follows failed attempt i (0-indexed).
func (m *Messenger) Backoff(attempt int) time.Duration {
	return Backoff(attempt, m.backoffUnit, m.backoffCap)
}

// Exchange sends payload to peer and returns the peer's reply (steps 1-4).
func (m *Messenger) Exchange(ctx context.Context, payload string, peer net.Addr) (Reply, error) {
	log := m.logger.WithFields(logrus.Fields{
		"peer":    peer.String(),
		"payload": payload,
	})
	if err := m.drain(peer); err != nil {
		return Reply{}, err
	}
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, m.Backoff(attempt-1)); err != nil {
				return Reply{}, err
			}
		}
		if err := m.conn.Send([]byte(payload), peer); err != nil {
			return Reply{}, errors.Wrap(err, "send payload failed")
		}
		dg, err := m.await(ctx, peer, m.timeout, anyFrame)
		if transport.IsTimeout(err) {
			log.WithField("attempt", attempt+1).Warn("attempt timed out")
			continue
		}
		if err != nil {
			return Reply{}, err
		}
		if protocol.IsAck(string(dg.Payload)) {
			return m.awaitReply(ctx, peer)
		}
		log.Debug("reply arrived before acknowledgment")
		return m.accept(dg), nil
	}
	log.WithField("attempts", m.maxRetries).Error("exchange failed")
	return Reply{}, ErrCommunication
}

// drain discards everything already queued before a new exchange starts.
// Frames queued now answer an earlier exchange: a duplicated reply or one
// the peer retransmitted because our ACK was lost. Replies from peer are
// acknowledged again so it stops retransmitting.
func (m *Messenger) drain(peer net.Addr) error {
	for {
		dg, ok, err := m.conn.TryReceive()
		if err != nil {
			return errors.Wrap(err, "drain stale datagrams failed")
		}
		if !ok {
			return nil
		}
		log := m.logger.WithFields(logrus.Fields{
			"from":    dg.From.String(),
			"payload": string(dg.Payload),
		})
		if !transport.SameAddr(dg.From, peer) || protocol.IsAck(string(dg.Payload)) {
			log.Debug("dropping stale datagram")
			continue
		}
		if err := m.Acknowledge(dg.From); err != nil {
			log.WithError(err).Warn("acknowledge stale reply failed")
		}
		log.Debug("dropping stale reply")
	}
}

// awaitReply waits out the peer's whole retransmission schedule for the
// reply without resending anything.
func (m *Messenger) awaitReply(ctx context.Context, peer net.Addr) (Reply, error) {
	var window time.Duration
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		window += m.timeout + m.Backoff(attempt)
	}
	dg, err := m.await(ctx, peer, window, notAck)
	if transport.IsTimeout(err) {
		m.logger.WithField("peer", peer.String()).Error("acknowledged but no reply")
		return Reply{}, ErrCommunication
	}
	if err != nil {
		return Reply{}, err
	}
	return m.accept(dg), nil
}

func (m *Messenger) accept(dg transport.Datagram) Reply {
	if err := m.Acknowledge(dg.From); err != nil {
		// the peer retransmits and we ignore it; the reply is still good
		m.logger.WithError(err).WithField("peer", dg.From.String()).Warn("acknowledge reply failed")
	}
	return Reply{
		Payload: string(dg.Payload),
		From:    dg.From,
	}
}

// Deliver sends payload to peer and waits for its ACK (steps 3-4). If the
// peer sends a new payload instead, that datagram is returned for dispatch.
func (m *Messenger) Deliver(ctx context.Context, payload string, peer net.Addr) (*transport.Datagram, error) {
	log := m.logger.WithFields(logrus.Fields{
		"peer":    peer.String(),
		"payload": payload,
	})
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, m.Backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := m.conn.Send([]byte(payload), peer); err != nil {
			return nil, errors.Wrap(err, "send payload failed")
		}
		dg, err := m.await(ctx, peer, m.timeout, anyFrame)
		if transport.IsTimeout(err) {
			log.WithField("attempt", attempt+1).Warn("attempt timed out")
			continue
		}
		if err != nil {
			return nil, err
		}
		if protocol.IsAck(string(dg.Payload)) {
			return nil, nil
		}
		log.Debug("peer moved on without acknowledging")
		return &dg, nil
	}
	log.WithField("attempts", m.maxRetries).Error("delivery failed")
	return nil, ErrCommunication
}

// Acknowledge sends a bare ACK frame to peer.
func (m *Messenger) Acknowledge(peer net.Addr) error {
	return errors.Wrap(m.conn.Send([]byte(protocol.TypeAck), peer), "send ack failed")
}

// Receive waits for the next datagram from anyone, up to the transport's
// receive timeout.
func (m *Messenger) Receive(ctx context.Context) (transport.Datagram, error) {
	return m.conn.Receive(ctx)
}

func anyFrame(string) bool { return true }

func notAck(payload string) bool { return !protocol.IsAck(payload) }

// await returns the first datagram from peer that satisfies match within
// window. Everything else that arrives meanwhile is dropped.
func (m *Messenger) await(ctx context.Context, peer net.Addr, window time.Duration, match func(string) bool) (transport.Datagram, error) {
	wctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	for {
		dg, err := m.conn.Receive(wctx)
		if transport.IsTimeout(err) {
			if wctx.Err() == nil {
				continue
			}
			if ctx.Err() != nil {
				return transport.Datagram{}, ctx.Err()
			}
			return transport.Datagram{}, transport.ErrTimeout
		}
		if err != nil {
			return transport.Datagram{}, err
		}
		if !transport.SameAddr(dg.From, peer) {
			m.logger.WithFields(logrus.Fields{
				"from":    dg.From.String(),
				"payload": string(dg.Payload),
			}).Warn("dropping datagram from another peer")
			continue
		}
		if !match(string(dg.Payload)) {
			m.logger.WithField("peer", peer.String()).Debug("dropping duplicate acknowledgment")
			continue
		}
		return dg, nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
