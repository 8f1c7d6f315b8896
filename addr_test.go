package tentacle

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddrValid(t *testing.T) {
	addr, err := ParseAddr("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)
	require.NotNil(t, addr)
}

func TestParseAddrInvalid(t *testing.T) {
	_, err := ParseAddr("not-a-multiaddr")
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, KindInvalidAddress, e.Kind)
}

func TestResolveTCPAddrRejectsNonTCP(t *testing.T) {
	addr, err := ParseAddr("/ip4/127.0.0.1/udp/4001")
	require.NoError(t, err)
	_, err = resolveTCPAddr(addr)
	require.Error(t, err)
}

func TestResolveAndRoundTripTCPAddr(t *testing.T) {
	addr, err := ParseAddr("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)

	tcp, err := resolveTCPAddr(addr)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", tcp.IP.String())
	require.Equal(t, 4001, tcp.Port)

	back, err := tcpAddrToMultiaddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4001})
	require.NoError(t, err)
	require.Equal(t, addr.String(), back.String())
}
