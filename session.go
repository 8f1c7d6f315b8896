package tentacle

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// SessionEventKind discriminates the items a Session (or the
// HandshakeDriver on its behalf) posts into the reactor's shared inbox.
type SessionEventKind int

const (
	EvSessionClose SessionEventKind = iota
	EvHandshakeSuccess
	EvHandshakeFail
	EvProtocolOpen
	EvProtocolMessage
	EvProtocolClose
)

// SessionEvent is the single type carried on the reactor's session-event
// inbox (spec.md §3 "Session... emits SessionEvents into the reactor's
// inbox"); which fields are valid depends on Kind.
type SessionEvent struct {
	Kind SessionEventKind

	// SessionClose / ProtocolOpen / ProtocolMessage / ProtocolClose
	SessionID SessionId

	// HandshakeSuccess / HandshakeFail
	Direction    Direction
	Address      Addr
	Conn         net.Conn  // HandshakeSuccess: the authenticated stream
	RemotePubKey PublicKey // HandshakeSuccess
	Err          *Error    // HandshakeFail

	// ProtocolOpen / ProtocolMessage / ProtocolClose
	ProtoID ProtocolId
	Version string // ProtocolOpen
	Data    []byte // ProtocolMessage
}

// SessionControlEventKind discriminates the items the reactor sends down
// to a Session.
type SessionControlEventKind int

const (
	CtrlClose SessionControlEventKind = iota
	CtrlProtocolMessage
)

// SessionControlEvent is what the reactor pushes at a live Session through
// SessionContext's control sender (spec.md §3 "event-sender to the session
// task"). Sends to this channel are best-effort (try-send): a slow peer
// drops protocol messages rather than stalling the reactor (spec.md §5).
type SessionControlEvent struct {
	Kind    SessionControlEventKind
	ProtoID ProtocolId
	Data    []byte
}

// Session is the external, per-connection multiplexed transport (spec.md
// §1 "out of scope"). The reactor never implements it directly; a
// SessionFactory builds one from an authenticated connection and the
// reactor drives it only through Run and OpenProtocolStream, and observes
// it only through the inbox it was given. See transport/muxsession for a
// concrete implementation.
type Session interface {
	// Run drives the session until ctx is done or the control channel
	// closes, emitting SessionEvents into the inbox it was constructed
	// with. Run must return promptly once ctx is done.
	Run(ctx context.Context)
	// OpenProtocolStream asks the session to open a substream for proto.
	// Used once per configured protocol when a session is the dial
	// initiator (spec.md §4.4 step 3).
	OpenProtocolStream(proto ProtocolId)
}

// SessionInit carries everything a SessionFactory needs to build a Session
// (spec.md §4.4 step 2 "construct the external Session object with a
// fresh event channel and the protocol-config map").
type SessionInit struct {
	ID        SessionId
	Conn      net.Conn
	Direction Direction
	Protocols []ProtocolMeta
	Inbox     chan<- SessionEvent        // the session's send-end of the reactor's shared inbox
	Control   <-chan SessionControlEvent // the session's receive-end of its own control channel
	Logger    *zap.Logger
}

// SessionFactory builds a Session from an authenticated connection. It is
// supplied as part of Config.
type SessionFactory func(init SessionInit) Session

// SessionContext is the reactor-owned record describing one live session
// (spec.md §3). It is handed to handler callbacks by reference; handlers
// never get a copy they can outlive the callback with.
type SessionContext struct {
	ID        SessionId
	Address   Addr
	Direction Direction
	PublicKey PublicKey // optional; nil for plaintext sessions

	control chan<- SessionControlEvent
}

// sessionRegistry is the table of live sessions keyed by id, with a linear
// reverse lookup by remote identity (spec.md §4.4). Reverse lookup is
// linear because the corpus's teacher treats the analogous peer set the
// same way (go-ethereum's Server.Peers iterates its peer map rather than
// maintaining a second index) and the identity-collision check only runs
// once per handshake, not per message.
type sessionRegistry struct {
	sessions    map[SessionId]*SessionContext
	nextSession SessionId
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[SessionId]*SessionContext)}
}

func (r *sessionRegistry) byPublicKey(key PublicKey) (*SessionContext, bool) {
	if key == nil {
		return nil, false
	}
	for _, ctx := range r.sessions {
		if ctx.PublicKey != nil && ctx.PublicKey.Equal(key) {
			return ctx, true
		}
	}
	return nil, false
}

func (r *sessionRegistry) get(id SessionId) (*SessionContext, bool) {
	ctx, ok := r.sessions[id]
	return ctx, ok
}

func (r *sessionRegistry) insert(ctx *SessionContext) {
	r.sessions[ctx.ID] = ctx
}

func (r *sessionRegistry) remove(id SessionId) {
	delete(r.sessions, id)
}

func (r *sessionRegistry) len() int { return len(r.sessions) }

func (r *sessionRegistry) all() []*SessionContext {
	out := make([]*SessionContext, 0, len(r.sessions))
	for _, ctx := range r.sessions {
		out = append(out, ctx)
	}
	return out
}

// sessionOpen implements spec.md §4.4 session_open: reject a duplicate
// identity before the session id counter advances, otherwise allocate an
// id, register the SessionContext, spawn the Session, and emit
// SessionOpen to the ServiceHandle.
func (s *Service) sessionOpen(conn net.Conn, remotePubKey PublicKey, address Addr, direction Direction) {
	if remotePubKey != nil {
		if existing, ok := s.sessions.byPublicKey(remotePubKey); ok {
			// A second handshake to an already-connected identity: shut
			// down the new stream and reject before next_session ever
			// advances (spec.md §3 "Identity invariant").
			_ = conn.Close()
			s.logger.Debug("rejecting repeated connection",
				zap.Uint64("existing_session", uint64(existing.ID)),
				zap.Stringer("address", address))
			rejection := RepeatedConnectionError(existing.ID)
			if direction == Outbound {
				s.handle.HandleError(s.serviceCtx, DialerError(address, rejection))
			} else {
				s.handle.HandleError(s.serviceCtx, ListenError(address, rejection))
			}
			return
		}
	}

	s.sessions.nextSession++
	id := s.sessions.nextSession

	control := make(chan SessionControlEvent, 256)
	ctx := &SessionContext{
		ID:        id,
		Address:   address,
		Direction: direction,
		PublicKey: remotePubKey,
		control:   control,
	}
	s.sessions.insert(ctx)

	session := s.cfg.SessionFactory(SessionInit{
		ID:        id,
		Conn:      conn,
		Direction: direction,
		Protocols: s.protocolConfigs,
		Inbox:     s.sessionEvents,
		Control:   control,
		Logger:    s.logger,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s.sessionCancels[id] = cancel
	s.tasksWG.Go(func() error {
		session.Run(runCtx)
		return nil
	})

	if direction == Outbound {
		for _, proto := range s.protocolConfigs {
			session.OpenProtocolStream(proto.ID)
		}
	}

	s.handle.HandleEvent(s.serviceCtx, ServiceEvent{
		Kind:      SessionOpenEvent,
		ID:        id,
		Address:   address,
		Direction: direction,
		PublicKey: remotePubKey,
	})
}

// sessionClose implements spec.md §4.4 session_close.
func (s *Service) sessionClose(id SessionId) {
	ctx, ok := s.sessions.get(id)
	if !ok {
		return // unknown session id is a no-op (spec.md §8 property 8)
	}

	select {
	case ctx.control <- SessionControlEvent{Kind: CtrlClose}:
	default:
		s.logger.Debug("session control channel full on close, dropping", zap.Uint64("session", uint64(id)))
	}
	if cancel, ok := s.sessionCancels[id]; ok {
		cancel()
		delete(s.sessionCancels, id)
	}

	s.handle.HandleEvent(s.serviceCtx, ServiceEvent{Kind: SessionCloseEvent, ID: id})

	for protoID, handle := range s.protoHandles.takeSessionHandles(id) {
		handle.Disconnected(s.serviceCtx)
		s.serviceCtx.RemoveSessionNotifySenders(id, protoID)
	}

	for _, protoID := range s.protoHandles.takeSessionServiceProtos(id) {
		s.serviceCtx.RemoveSessionNotifySenders(id, protoID)
		if handle, ok := s.protoHandles.serviceHandles[protoID]; ok {
			// The service-level handler stays alive for other sessions;
			// only its binding to this session is torn down. If the
			// protocol opened but its service-handler factory returned
			// none, no Disconnected fires here at all (spec.md §9,
			// intentional asymmetry with the session tier).
			handle.Disconnected(s.serviceCtx, ctx)
		}
	}

	s.sessions.remove(id)
}
