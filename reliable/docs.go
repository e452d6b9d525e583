// Package reliable implements a stop-and-wait acknowledgment protocol on top
// of a best-effort datagram transport.
//
// One reliable round trip (a handshake) has four steps:
//  1. The requester sends its payload.
//  2. The responder answers with a bare ACK frame as soon as the datagram arrives.
//  3. The responder sends its reply payload.
//  4. The requester answers the reply with its own ACK.
//
// Steps 1-2 and 3-4 are each retried when the ACK does not arrive within the
// timeout, up to MaxRetries attempts in total, sleeping min(2^attempt, cap)
// between attempts. When every attempt fails the caller gets
// ErrCommunication, which says nothing about whether the peer acted on the
// payload.
//
// A reply that arrives while the requester still waits for step 2 proves the
// payload got through, so it is taken as the ACK and the reply at once and
// the payload is not retransmitted. ACK frames that arrive while a reply is
// expected are duplicates and are dropped.
//
// Before sending, Exchange drains whatever is already queued on the
// transport. Those frames belong to an earlier exchange (a duplicated reply,
// or one retransmitted after our step 4 ACK was lost) and would otherwise be
// taken as the answer to the new payload. Stale replies are acknowledged
// again and dropped.
//
// On the responder side Deliver performs steps 3-4. When the requester sends
// a new payload instead of the step 4 ACK, it has moved on; Deliver returns
// that payload to the caller rather than discarding it.
//
// The Messenger is not safe for concurrent use. It is meant to be driven by
// one loop that owns the transport.
package reliable
