// Package tentacle implements the central event loop of a peer-to-peer
// networking runtime: it accepts inbound connections, dials outbound ones,
// drives an encrypted handshake on each socket, multiplexes protocol
// streams over the resulting transport, and dispatches stream events to
// user-supplied protocol handlers.
//
// The handshake transformer and the multiplexed session are external
// collaborators; this package only defines the interfaces they satisfy
// (see HandshakeTransformer and Session). Concrete reference
// implementations live in the transport/noise and transport/muxsession
// subpackages.
package tentacle

import "fmt"

// SessionId identifies one live session. It is assigned monotonically at
// session-open time and never reused within a process.
type SessionId uint64

// ProtocolId identifies a protocol. It is opaque and stable within a
// process; the caller assigns it when building the ProtocolMeta table.
type ProtocolId uint64

// NotifyToken is an opaque value a handler chooses when it schedules a
// notify timer, and receives back unchanged on each tick.
type NotifyToken uint64

// Direction records which side of a session initiated the connection.
type Direction int

const (
	// Inbound sessions were accepted from a listener.
	Inbound Direction = iota
	// Outbound sessions were established by dialing a remote address.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}
