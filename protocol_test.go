package tentacle

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSessionProtocol struct {
	connectedVersion string
	received         [][]byte
	disconnected     bool
	notified         []NotifyToken
}

func (p *recordingSessionProtocol) Connected(ctx *ServiceContext, session *SessionContext, version string) {
	p.connectedVersion = version
}
func (p *recordingSessionProtocol) Disconnected(ctx *ServiceContext) { p.disconnected = true }
func (p *recordingSessionProtocol) Received(ctx *ServiceContext, data []byte) {
	p.received = append(p.received, data)
}
func (p *recordingSessionProtocol) Notify(ctx *ServiceContext, token NotifyToken) {
	p.notified = append(p.notified, token)
}

type recordingServiceProtocol struct {
	initCount    int
	connected    []SessionId
	disconnected []SessionId
	received     [][]byte
}

func (p *recordingServiceProtocol) Init(ctx *ServiceContext) { p.initCount++ }
func (p *recordingServiceProtocol) Connected(ctx *ServiceContext, session *SessionContext, version string) {
	p.connected = append(p.connected, session.ID)
}
func (p *recordingServiceProtocol) Disconnected(ctx *ServiceContext, session *SessionContext) {
	p.disconnected = append(p.disconnected, session.ID)
}
func (p *recordingServiceProtocol) Received(ctx *ServiceContext, session *SessionContext, data []byte) {
	p.received = append(p.received, data)
}
func (p *recordingServiceProtocol) Notify(ctx *ServiceContext, token NotifyToken) {}

func TestProtocolOpenBindsBothTiers(t *testing.T) {
	sessionProto := &recordingSessionProtocol{}
	serviceProto := &recordingServiceProtocol{}

	svc, _, _ := newTestService(t, []ProtocolMeta{{
		ID:            1,
		Name:          "chat",
		SessionHandle: func() SessionProtocol { return sessionProto },
		ServiceHandle: func() ServiceProtocol { return serviceProto },
	}})

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	svc.sessionOpen(c1, nil, mustAddr(t, "/ip4/127.0.0.1/tcp/1"), Inbound)

	svc.protocolOpen(SessionId(1), ProtocolId(1), "1.0.0")

	require.Equal(t, "1.0.0", sessionProto.connectedVersion)
	require.Equal(t, 1, serviceProto.initCount)
	require.Equal(t, []SessionId{1}, serviceProto.connected)
}

func TestProtocolOpenLazilyInitsServiceHandlerOnce(t *testing.T) {
	serviceProto := &recordingServiceProtocol{}

	svc, _, _ := newTestService(t, []ProtocolMeta{{
		ID:            1,
		Name:          "chat",
		ServiceHandle: func() ServiceProtocol { return serviceProto },
	}})

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	svc.sessionOpen(c1, nil, mustAddr(t, "/ip4/127.0.0.1/tcp/1"), Inbound)
	c3, c4 := net.Pipe()
	defer c3.Close()
	defer c4.Close()
	svc.sessionOpen(c3, nil, mustAddr(t, "/ip4/127.0.0.1/tcp/2"), Inbound)

	svc.protocolOpen(SessionId(1), ProtocolId(1), "1.0.0")
	svc.protocolOpen(SessionId(2), ProtocolId(1), "1.0.0")

	require.Equal(t, 1, serviceProto.initCount, "Init must run exactly once regardless of session count")
	require.ElementsMatch(t, []SessionId{1, 2}, serviceProto.connected)
}

func TestProtocolMessageFansOutToBothTiers(t *testing.T) {
	sessionProto := &recordingSessionProtocol{}
	serviceProto := &recordingServiceProtocol{}

	svc, _, _ := newTestService(t, []ProtocolMeta{{
		ID:            1,
		Name:          "chat",
		SessionHandle: func() SessionProtocol { return sessionProto },
		ServiceHandle: func() ServiceProtocol { return serviceProto },
	}})

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	svc.sessionOpen(c1, nil, mustAddr(t, "/ip4/127.0.0.1/tcp/1"), Inbound)
	svc.protocolOpen(SessionId(1), ProtocolId(1), "1.0.0")

	svc.protocolMessage(SessionId(1), ProtocolId(1), []byte("hello"))

	require.Equal(t, [][]byte{[]byte("hello")}, sessionProto.received)
	require.Equal(t, [][]byte{[]byte("hello")}, serviceProto.received)
}

func TestProtocolCloseTearsDownOnlyThatProtocol(t *testing.T) {
	sessionProto := &recordingSessionProtocol{}
	serviceProto := &recordingServiceProtocol{}

	svc, _, _ := newTestService(t, []ProtocolMeta{{
		ID:            1,
		Name:          "chat",
		SessionHandle: func() SessionProtocol { return sessionProto },
		ServiceHandle: func() ServiceProtocol { return serviceProto },
	}})

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	svc.sessionOpen(c1, nil, mustAddr(t, "/ip4/127.0.0.1/tcp/1"), Inbound)
	svc.protocolOpen(SessionId(1), ProtocolId(1), "1.0.0")

	svc.protocolClose(SessionId(1), ProtocolId(1))

	require.True(t, sessionProto.disconnected)
	require.Equal(t, []SessionId{1}, serviceProto.disconnected)
	require.Equal(t, 1, svc.sessions.len(), "the session itself must remain open")
}

func TestSessionCloseTearsDownEveryBoundProtocol(t *testing.T) {
	sessionProto := &recordingSessionProtocol{}
	serviceProto := &recordingServiceProtocol{}

	svc, handle, _ := newTestService(t, []ProtocolMeta{{
		ID:            1,
		Name:          "chat",
		SessionHandle: func() SessionProtocol { return sessionProto },
		ServiceHandle: func() ServiceProtocol { return serviceProto },
	}})

	c1, c2 := net.Pipe()
	defer c2.Close()
	svc.sessionOpen(c1, nil, mustAddr(t, "/ip4/127.0.0.1/tcp/1"), Inbound)
	svc.protocolOpen(SessionId(1), ProtocolId(1), "1.0.0")

	svc.sessionClose(SessionId(1))

	require.True(t, sessionProto.disconnected)
	require.Equal(t, []SessionId{1}, serviceProto.disconnected)
	require.Equal(t, 0, svc.sessions.len())
	require.Len(t, handle.events, 2) // SessionOpen, SessionClose
	require.Equal(t, SessionCloseEvent, handle.events[1].Kind)
}
