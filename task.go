package tentacle

import "fmt"

// ServiceTaskKind discriminates the ServiceTask variants of spec.md §4.7.
type ServiceTaskKind int

const (
	ProtocolMessageTask ServiceTaskKind = iota
	ProtocolNotifyTask
	ProtocolSessionNotifyTask
	FutureTaskKind
	DisconnectTask
	DialTask
)

// ServiceTask is an instruction the outside world sends the reactor
// through a ControlHandle. Use the constructor functions below rather than
// building one by hand.
type ServiceTask struct {
	Kind ServiceTaskKind

	// ProtocolMessage
	SessionIDs []SessionId // nil means broadcast to every live session
	ProtoID    ProtocolId
	Data       []byte

	// ProtocolNotify / ProtocolSessionNotify
	Token NotifyToken

	// ProtocolSessionNotify / Disconnect
	SessionID SessionId

	// Dial
	Address Addr

	// FutureTask
	Future func()
}

func (t ServiceTask) String() string {
	switch t.Kind {
	case ProtocolMessageTask:
		return fmt.Sprintf("ids: %v, protoid: %d, message: %d bytes", t.SessionIDs, t.ProtoID, len(t.Data))
	case ProtocolNotifyTask:
		return fmt.Sprintf("protocol id: %d, token: %d", t.ProtoID, t.Token)
	case ProtocolSessionNotifyTask:
		return fmt.Sprintf("session id: %d, protocol id: %d, token: %d", t.SessionID, t.ProtoID, t.Token)
	case FutureTaskKind:
		return "future task"
	case DisconnectTask:
		return fmt.Sprintf("disconnect session [%d]", t.SessionID)
	case DialTask:
		return fmt.Sprintf("dial address: %s", t.Address)
	default:
		return "unknown task"
	}
}

// ProtocolMessage builds a task that sends data on proto to the given
// sessions, or to every live session when ids is nil.
func ProtocolMessage(ids []SessionId, proto ProtocolId, data []byte) ServiceTask {
	return ServiceTask{Kind: ProtocolMessageTask, SessionIDs: ids, ProtoID: proto, Data: data}
}

// ProtocolNotify builds a task that delivers token to proto's service-level handler.
func ProtocolNotify(proto ProtocolId, token NotifyToken) ServiceTask {
	return ServiceTask{Kind: ProtocolNotifyTask, ProtoID: proto, Token: token}
}

// ProtocolSessionNotify builds a task that delivers token to the
// session-level handler for (session, proto).
func ProtocolSessionNotify(session SessionId, proto ProtocolId, token NotifyToken) ServiceTask {
	return ServiceTask{Kind: ProtocolSessionNotifyTask, SessionID: session, ProtoID: proto, Token: token}
}

// FutureTask builds a task that spawns fn onto the runtime with no further
// bookkeeping (spec.md §4.7).
func FutureTask(fn func()) ServiceTask {
	return ServiceTask{Kind: FutureTaskKind, Future: fn}
}

// Disconnect builds a task that closes the given session.
func Disconnect(session SessionId) ServiceTask {
	return ServiceTask{Kind: DisconnectTask, SessionID: session}
}

// DialAddr builds a task that dials address. It is not named Dial, which is
// the Service method, nor DialTask, which is the task kind.
func DialAddr(address Addr) ServiceTask {
	return ServiceTask{Kind: DialTask, Address: address}
}

// ServiceEventKind discriminates ServiceEvent variants.
type ServiceEventKind int

const (
	SessionOpenEvent ServiceEventKind = iota
	SessionCloseEvent
)

// ServiceEvent is delivered to ServiceHandle.HandleEvent (spec.md §6).
type ServiceEvent struct {
	Kind      ServiceEventKind
	ID        SessionId
	Address   Addr       // valid for SessionOpen
	Direction Direction  // valid for SessionOpen
	PublicKey PublicKey  // valid for SessionOpen, may be nil
}

// ServiceHandle is the user-supplied collaborator that observes
// service-wide lifecycle events and errors (spec.md §6).
type ServiceHandle interface {
	HandleEvent(ctx *ServiceContext, event ServiceEvent)
	HandleError(ctx *ServiceContext, err ServiceError)
}
