package tentacle

import (
	"net"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Addr is the self-describing multi-component address used throughout the
// embedding API (spec.md §6, GLOSSARY "Multiaddress"). It is a thin alias
// over multiformats/go-multiaddr.Multiaddr, the address type driftluo/p2p
// itself builds on (original_source/src/service.rs imports the `multiaddr`
// crate for exactly this purpose).
type Addr = multiaddr.Multiaddr

// ParseAddr parses s into an Addr, e.g. "/ip4/127.0.0.1/tcp/4001".
func ParseAddr(s string) (Addr, error) {
	a, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return nil, InvalidAddressError(err)
	}
	return a, nil
}

// resolveTCPAddr validates that addr resolves to a TCP socket address and
// returns it, or an InvalidAddress error otherwise (spec.md §6 "Addresses").
func resolveTCPAddr(addr Addr) (*net.TCPAddr, error) {
	network, host, err := manet.DialArgs(addr)
	if err != nil {
		return nil, InvalidAddressError(err)
	}
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, InvalidAddressError(&net.AddrError{Err: "not a tcp multiaddress", Addr: addr.String()})
	}
	tcpAddr, err := net.ResolveTCPAddr(network, host)
	if err != nil {
		return nil, InvalidAddressError(err)
	}
	return tcpAddr, nil
}

// tcpAddrToMultiaddr converts a resolved TCP socket address back into an
// Addr, used both for the listener's bound-address snapshot and for
// describing an inbound peer's remote address.
func tcpAddrToMultiaddr(tcp *net.TCPAddr) (Addr, error) {
	a, err := manet.FromNetAddr(tcp)
	if err != nil {
		return nil, IOError(err)
	}
	return a, nil
}
