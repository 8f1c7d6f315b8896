package tentacle

import "fmt"

// Kind classifies an error surfaced at a service boundary (spec §7).
type Kind int

const (
	// KindIO is an underlying transport failure: read, write, accept, connect.
	KindIO Kind = iota
	// KindTimer is a clock/timer subsystem failure. Rare; Go's standard
	// timers essentially never misbehave this way, but the kind is kept
	// so callers can still distinguish it from a deadline being exceeded.
	KindTimer
	// KindTimedOut means a dial or handshake exceeded its deadline.
	KindTimedOut
	// KindHandshakeFailed means the cryptographic handshake rejected the peer.
	KindHandshakeFailed
	// KindRepeatedConnection means a second session to an already-connected
	// remote identity was rejected.
	KindRepeatedConnection
	// KindInvalidAddress means an address did not resolve to a TCP socket address.
	KindInvalidAddress
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindTimer:
		return "timer"
	case KindTimedOut:
		return "timed_out"
	case KindHandshakeFailed:
		return "handshake_failed"
	case KindRepeatedConnection:
		return "repeated_connection"
	case KindInvalidAddress:
		return "invalid_address"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the boundary error type wrapping a Kind and, for
// KindRepeatedConnection, the id of the session that already owns the
// rejected identity.
type Error struct {
	Kind     Kind
	Existing SessionId // valid when Kind == KindRepeatedConnection
	Err      error
}

func (e *Error) Error() string {
	if e.Kind == KindRepeatedConnection {
		return fmt.Sprintf("%s: existing session %d", e.Kind, e.Existing)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IOError wraps err as a KindIO Error.
func IOError(err error) *Error { return &Error{Kind: KindIO, Err: err} }

// TimedOutError wraps err as a KindTimedOut Error.
func TimedOutError(err error) *Error { return &Error{Kind: KindTimedOut, Err: err} }

// HandshakeFailedError wraps err as a KindHandshakeFailed Error.
func HandshakeFailedError(err error) *Error { return &Error{Kind: KindHandshakeFailed, Err: err} }

// InvalidAddressError wraps err as a KindInvalidAddress Error.
func InvalidAddressError(err error) *Error { return &Error{Kind: KindInvalidAddress, Err: err} }

// RepeatedConnectionError reports that existing already owns the remote identity.
func RepeatedConnectionError(existing SessionId) *Error {
	return &Error{Kind: KindRepeatedConnection, Existing: existing}
}

// ServiceErrorKind distinguishes which direction produced a ServiceError.
type ServiceErrorKind int

const (
	// DialerErrorKind marks an error originating from an outbound dial or
	// its handshake.
	DialerErrorKind ServiceErrorKind = iota
	// ListenErrorKind marks an error originating from a listener or an
	// inbound connection's post-accept checks.
	ListenErrorKind
)

func (k ServiceErrorKind) String() string {
	if k == DialerErrorKind {
		return "dialer"
	}
	return "listen"
}

// ServiceError is surfaced to ServiceHandle.HandleError (spec §6/§7).
type ServiceError struct {
	Kind    ServiceErrorKind
	Address Addr
	Err     *Error
}

func (e ServiceError) Error() string {
	return fmt.Sprintf("%s error at %s: %v", e.Kind, e.Address, e.Err)
}

// DialerError builds a ServiceError for the outbound/dialer side.
func DialerError(address Addr, err *Error) ServiceError {
	return ServiceError{Kind: DialerErrorKind, Address: address, Err: err}
}

// ListenError builds a ServiceError for the inbound/listener side.
func ListenError(address Addr, err *Error) ServiceError {
	return ServiceError{Kind: ListenErrorKind, Address: address, Err: err}
}
