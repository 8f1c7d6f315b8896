package tentacle

import (
	"context"
	"errors"
	"net"
	"time"
)

// dialOutcome is posted once by the background goroutine driving a single
// dial attempt.
type dialOutcome struct {
	conn net.Conn
	err  error
	kind Kind
}

// dialAttempt is one pending outbound connect (spec.md §4.1).
type dialAttempt struct {
	address Addr
	done    chan dialOutcome // buffered 1
}

// DialSet holds pending outbound connect attempts, each with a per-attempt
// deadline (spec.md §4.1). It is not safe for concurrent use by multiple
// goroutines; the reactor is its only owner.
type DialSet struct {
	pending []*dialAttempt
	wake    chan<- struct{} // optional: nudged whenever an attempt resolves
}

// NewDialSet creates an empty DialSet. wake, if non-nil, receives a
// non-blocking signal whenever a pending dial resolves, letting an
// event loop avoid busy-polling between ticks.
func NewDialSet(wake chan<- struct{}) *DialSet {
	return &DialSet{wake: wake}
}

// Enqueue starts dialing address with the given deadline. A duplicate
// address already in-flight is ignored (idempotent, spec.md §4.1); it
// reports whether a new attempt was actually started.
func (d *DialSet) Enqueue(address Addr, timeout time.Duration) bool {
	for _, a := range d.pending {
		if a.address.Equal(address) {
			return false
		}
	}

	tcpAddr, err := resolveTCPAddr(address)
	attempt := &dialAttempt{address: address, done: make(chan dialOutcome, 1)}
	d.pending = append(d.pending, attempt)

	if err != nil {
		attempt.done <- dialOutcome{err: err, kind: KindInvalidAddress}
		d.nudge()
		return true
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", tcpAddr.String())
		if err != nil {
			kind := KindIO
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = KindTimedOut
			}
			attempt.done <- dialOutcome{err: err, kind: kind}
		} else {
			attempt.done <- dialOutcome{conn: conn}
		}
		d.nudge()
	}()
	return true
}

func (d *DialSet) nudge() {
	if d.wake == nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// DialReady is a dial attempt that has produced a connected socket.
type DialReady struct {
	Address Addr
	Conn    net.Conn
}

// DialFailure is a dial attempt that failed, timed out, or targeted an
// invalid address.
type DialFailure struct {
	Address Addr
	Err     *Error
}

// PollAll advances every pending attempt once, partitioning them into
// ready sockets, still-pending attempts (kept internally), and failures
// (spec.md §4.1 "poll_all").
func (d *DialSet) PollAll() (ready []DialReady, failed []DialFailure) {
	remaining := d.pending[:0]
	for _, a := range d.pending {
		select {
		case outcome := <-a.done:
			if outcome.err != nil {
				failed = append(failed, DialFailure{Address: a.address, Err: &Error{Kind: outcome.kind, Err: outcome.err}})
			} else {
				ready = append(ready, DialReady{Address: a.address, Conn: outcome.conn})
			}
		default:
			remaining = append(remaining, a)
		}
	}
	d.pending = remaining
	return ready, failed
}

// Len reports the number of attempts still pending.
func (d *DialSet) Len() int { return len(d.pending) }
