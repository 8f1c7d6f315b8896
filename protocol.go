package tentacle

import "go.uber.org/zap"

// Codec frames and parses one protocol's payloads. Wire-format details are
// delegated entirely to the codec and the multiplexed session (spec.md §6
// "No wire-format commitments"); the reactor never looks inside Data.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(raw []byte) ([]byte, error)
}

// ServiceProtocol is the service-tier handler: one instance per protocol
// id, created lazily on first open, seeing every session that speaks the
// protocol (spec.md §3).
type ServiceProtocol interface {
	Init(ctx *ServiceContext)
	Connected(ctx *ServiceContext, session *SessionContext, version string)
	Disconnected(ctx *ServiceContext, session *SessionContext)
	Received(ctx *ServiceContext, session *SessionContext, data []byte)
	Notify(ctx *ServiceContext, token NotifyToken)
}

// SessionProtocol is the session-tier handler: one instance per
// (session id, protocol id) pair, seeing only that session's traffic.
type SessionProtocol interface {
	Connected(ctx *ServiceContext, session *SessionContext, version string)
	Disconnected(ctx *ServiceContext)
	Received(ctx *ServiceContext, data []byte)
	Notify(ctx *ServiceContext, token NotifyToken)
}

// ProtocolMeta configures one protocol (spec.md §3). Either ServiceHandle
// or SessionHandle may be nil, meaning the protocol has no handler at that
// tier; a nil factory is a silent success, not an error (spec.md §4.5).
// New does reject a protocol that sets neither.
type ProtocolMeta struct {
	ID                ProtocolId
	Name              string
	SupportedVersions []string // most-preferred first
	ServiceHandle     func() ServiceProtocol
	SessionHandle     func() SessionProtocol
	Codec             func() Codec
}

// ProtocolInfo is the read-only summary of a protocol exposed through
// ServiceContext (spec.md §4.6).
type ProtocolInfo struct {
	Name              string
	SupportedVersions []string
}

// protocolHandleRegistry holds the two handler tables and the bookkeeping
// set that records which protocols have an active service-level binding
// for a session (spec.md §3/§4.5).
type protocolHandleRegistry struct {
	serviceHandles map[ProtocolId]ServiceProtocol
	sessionHandles map[SessionId]map[ProtocolId]SessionProtocol
	// sessionServiceProtos records, per session, which protocol ids have
	// an active service-level handler binding.
	sessionServiceProtos map[SessionId]map[ProtocolId]struct{}
}

func newProtocolHandleRegistry() *protocolHandleRegistry {
	return &protocolHandleRegistry{
		serviceHandles:       make(map[ProtocolId]ServiceProtocol),
		sessionHandles:       make(map[SessionId]map[ProtocolId]SessionProtocol),
		sessionServiceProtos: make(map[SessionId]map[ProtocolId]struct{}),
	}
}

func (r *protocolHandleRegistry) recordSessionServiceProto(sessionID SessionId, protoID ProtocolId) {
	set, ok := r.sessionServiceProtos[sessionID]
	if !ok {
		set = make(map[ProtocolId]struct{})
		r.sessionServiceProtos[sessionID] = set
	}
	set[protoID] = struct{}{}
}

func (r *protocolHandleRegistry) forgetSessionServiceProto(sessionID SessionId, protoID ProtocolId) {
	if set, ok := r.sessionServiceProtos[sessionID]; ok {
		delete(set, protoID)
	}
}

// takeSessionServiceProtos removes and returns the full set of protocol ids
// with an active service-level binding for sessionID, used by sessionClose.
func (r *protocolHandleRegistry) takeSessionServiceProtos(sessionID SessionId) []ProtocolId {
	set, ok := r.sessionServiceProtos[sessionID]
	delete(r.sessionServiceProtos, sessionID)
	if !ok {
		return nil
	}
	ids := make([]ProtocolId, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (r *protocolHandleRegistry) takeSessionHandles(sessionID SessionId) map[ProtocolId]SessionProtocol {
	handles := r.sessionHandles[sessionID]
	delete(r.sessionHandles, sessionID)
	return handles
}

func (r *protocolHandleRegistry) setSessionHandle(sessionID SessionId, protoID ProtocolId, handle SessionProtocol) {
	m, ok := r.sessionHandles[sessionID]
	if !ok {
		m = make(map[ProtocolId]SessionProtocol)
		r.sessionHandles[sessionID] = m
	}
	m[protoID] = handle
}

func (r *protocolHandleRegistry) removeSessionHandle(sessionID SessionId, protoID ProtocolId) (SessionProtocol, bool) {
	m, ok := r.sessionHandles[sessionID]
	if !ok {
		return nil, false
	}
	h, ok := m[protoID]
	if ok {
		delete(m, protoID)
	}
	return h, ok
}

func (r *protocolHandleRegistry) sessionHandle(sessionID SessionId, protoID ProtocolId) (SessionProtocol, bool) {
	m, ok := r.sessionHandles[sessionID]
	if !ok {
		return nil, false
	}
	h, ok := m[protoID]
	return h, ok
}

// protocolOpen implements spec.md §4.5: bind a freshly opened protocol
// stream to its session-tier handler (always, if configured) and lazily
// construct+Init the service-tier handler the first time any session opens
// that protocol. An unknown protocol id is ignored; the transport offered
// something this configuration never declared.
func (s *Service) protocolOpen(sessionID SessionId, protoID ProtocolId, version string) {
	meta, ok := s.protocolByID[protoID]
	if !ok {
		s.logger.Debug("ignoring open of unconfigured protocol", zap.Uint64("proto", uint64(protoID)))
		return
	}
	sessionCtx, ok := s.sessions.get(sessionID)
	if !ok {
		return
	}

	if meta.SessionHandle != nil {
		handle := meta.SessionHandle()
		s.protoHandles.setSessionHandle(sessionID, protoID, handle)
		handle.Connected(s.serviceCtx, sessionCtx, version)
	}

	if meta.ServiceHandle != nil {
		handle, exists := s.protoHandles.serviceHandles[protoID]
		if !exists {
			handle = meta.ServiceHandle()
			s.protoHandles.serviceHandles[protoID] = handle
			handle.Init(s.serviceCtx)
		}
		s.protoHandles.recordSessionServiceProto(sessionID, protoID)
		handle.Connected(s.serviceCtx, sessionCtx, version)
	}
}

// protocolMessage implements spec.md §4.5: fan a received payload out to
// whichever tiers have a live handler bound for (sessionID, protoID).
func (s *Service) protocolMessage(sessionID SessionId, protoID ProtocolId, data []byte) {
	if handle, ok := s.protoHandles.serviceHandles[protoID]; ok {
		if sessionCtx, ok := s.sessions.get(sessionID); ok {
			handle.Received(s.serviceCtx, sessionCtx, data)
		}
	}
	if handle, ok := s.protoHandles.sessionHandle(sessionID, protoID); ok {
		handle.Received(s.serviceCtx, data)
	}
}

// protocolClose implements spec.md §4.5 for a single substream closing
// while its session remains open: tear down only that protocol's
// bindings, leaving the service-tier handler alive for other sessions.
func (s *Service) protocolClose(sessionID SessionId, protoID ProtocolId) {
	s.serviceCtx.RemoveSessionNotifySenders(sessionID, protoID)

	s.protoHandles.forgetSessionServiceProto(sessionID, protoID)
	if handle, ok := s.protoHandles.serviceHandles[protoID]; ok {
		if sessionCtx, ok := s.sessions.get(sessionID); ok {
			handle.Disconnected(s.serviceCtx, sessionCtx)
		}
	}

	if handle, ok := s.protoHandles.removeSessionHandle(sessionID, protoID); ok {
		handle.Disconnected(s.serviceCtx)
	}
}
