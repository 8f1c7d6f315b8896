package tentacle

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialSetConnectsAndReports(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	addr, err := tcpAddrToMultiaddr(ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)

	d := NewDialSet(nil)
	require.True(t, d.Enqueue(addr, time.Second))
	require.Equal(t, 1, d.Len())

	require.Eventually(t, func() bool {
		ready, _ := d.PollAll()
		if len(ready) == 1 {
			ready[0].Conn.Close()
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("listener never accepted the dial")
	}
}

func TestDialSetDedupByLiteralAddress(t *testing.T) {
	addr, err := ParseAddr("/ip4/127.0.0.1/tcp/1")
	require.NoError(t, err)

	d := NewDialSet(nil)
	require.True(t, d.Enqueue(addr, time.Second))
	require.False(t, d.Enqueue(addr, time.Second), "duplicate literal address must be ignored")
	require.Equal(t, 1, d.Len())
}

func TestDialSetReportsInvalidAddress(t *testing.T) {
	addr, err := ParseAddr("/ip4/127.0.0.1/udp/1")
	require.NoError(t, err)

	d := NewDialSet(nil)
	d.Enqueue(addr, time.Second)

	require.Eventually(t, func() bool {
		_, failed := d.PollAll()
		return len(failed) == 1 && failed[0].Err.Kind == KindInvalidAddress
	}, time.Second, 5*time.Millisecond)
}

func TestDialSetReportsConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listens here anymore

	addr, err := ParseAddr("/ip4/127.0.0.1/tcp/" + strconv.Itoa(port))
	require.NoError(t, err)

	d := NewDialSet(nil)
	d.Enqueue(addr, 2*time.Second)

	require.Eventually(t, func() bool {
		_, failed := d.PollAll()
		return len(failed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
