package tentacle

import (
	"net"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// acceptResult is posted by one listener's accept loop for every inbound
// connection or terminal accept error (spec.md §4.2).
type acceptResult struct {
	conn    net.Conn
	address Addr // remote address of conn, valid when err == nil
	err     error
}

// listener is one bound TCP socket and its background accept loop.
type listener struct {
	addr     Addr
	ln       net.Listener
	results  chan acceptResult
	closeSig chan struct{}
}

// ListenSet holds every bound listener (spec.md §4.2). A failing acceptor
// only ever takes itself down; it never affects the others (resolved
// against original_source/src/service.rs, which isolates accept-loop
// errors per listener).
type ListenSet struct {
	listeners []*listener
	logger    *zap.Logger
	wake      chan<- struct{}
}

func newListenSet(logger *zap.Logger, wake chan<- struct{}) *ListenSet {
	return &ListenSet{logger: logger, wake: wake}
}

func (s *ListenSet) nudge() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Listen binds address and starts its background accept loop, returning the
// bound Addr (with any wildcard port resolved to the one actually chosen).
func (s *ListenSet) Listen(address Addr) (Addr, error) {
	tcpAddr, err := resolveTCPAddr(address)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, IOError(err)
	}
	bound, err := tcpAddrToMultiaddr(ln.Addr().(*net.TCPAddr))
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	l := &listener{
		addr:     bound,
		ln:       ln,
		results:  make(chan acceptResult, 64),
		closeSig: make(chan struct{}),
	}
	s.listeners = append(s.listeners, l)

	go l.acceptLoop(s.logger, s)

	return bound, nil
}

func (l *listener) acceptLoop(logger *zap.Logger, parent *ListenSet) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case l.results <- acceptResult{err: err}:
			case <-l.closeSig:
			}
			parent.nudge()
			return
		}
		remote, addrErr := tcpAddrToMultiaddr(conn.RemoteAddr().(*net.TCPAddr))
		if addrErr != nil {
			logger.Debug("dropping inbound connection with unresolvable remote address", zap.Error(addrErr))
			_ = conn.Close()
			continue
		}
		select {
		case l.results <- acceptResult{conn: conn, address: remote}:
			parent.nudge()
		case <-l.closeSig:
			_ = conn.Close()
			return
		}
	}
}

// ListenAccepted is one freshly accepted inbound connection.
type ListenAccepted struct {
	Address Addr
	Conn    net.Conn
}

// ListenFailed reports a listener whose accept loop terminated; that
// listener is removed from the set before PollAll returns.
type ListenFailed struct {
	Address Addr
	Err     *Error
}

// PollAll drains every listener's backlog of accepted connections without
// blocking, and removes any listener whose accept loop has died
// (spec.md §4.2 "poll_all").
func (s *ListenSet) PollAll() (accepted []ListenAccepted, failed []ListenFailed) {
	remaining := s.listeners[:0]
	for _, l := range s.listeners {
		dead := false
	drain:
		for {
			select {
			case res := <-l.results:
				if res.err != nil {
					failed = append(failed, ListenFailed{Address: l.addr, Err: IOError(res.err)})
					close(l.closeSig)
					_ = l.ln.Close()
					dead = true
					break drain
				}
				accepted = append(accepted, ListenAccepted{Address: res.address, Conn: res.conn})
			default:
				break drain
			}
		}
		if !dead {
			remaining = append(remaining, l)
		}
	}
	s.listeners = remaining
	return accepted, failed
}

// Addresses returns the bound address of every live listener, in listen
// order (spec.md §4.2 "listen-snapshot").
func (s *ListenSet) Addresses() []Addr {
	out := make([]Addr, len(s.listeners))
	for i, l := range s.listeners {
		out[i] = l.addr
	}
	return out
}

// Len reports the number of live listeners.
func (s *ListenSet) Len() int { return len(s.listeners) }

// CloseAll tears down every listener's socket and accept loop, aggregating
// any close errors rather than stopping at the first one.
func (s *ListenSet) CloseAll() error {
	var result *multierror.Error
	for _, l := range s.listeners {
		select {
		case <-l.closeSig:
		default:
			close(l.closeSig)
		}
		if err := l.ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.listeners = nil
	return result.ErrorOrNil()
}
