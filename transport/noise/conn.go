package noise

import (
	"net"
	"sync"

	"github.com/flynn/noise"
)

// maxPlaintextChunk keeps each Noise message comfortably under the
// protocol's 65535-byte ciphertext limit once the authentication tag and
// length prefix are added.
const maxPlaintextChunk = 1 << 15

// secureConn wraps an authenticated transport in a pair of Noise
// CipherStates, framing every write as one or more length-prefixed,
// individually encrypted chunks. It mirrors the buffered, mutex-guarded
// read/write split the retrieved go-libp2p noise session uses, without
// that session's early-data and peer-ID bookkeeping (handled up a layer,
// in the handshake itself).
type secureConn struct {
	net.Conn

	enc *noise.CipherState
	dec *noise.CipherState

	readMu  sync.Mutex
	writeMu sync.Mutex

	pending []byte // decrypted bytes not yet consumed by Read
}

func newSecureConn(conn net.Conn, enc, dec *noise.CipherState) net.Conn {
	return &secureConn{Conn: conn, enc: enc, dec: dec}
}

func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		ciphertext, err := readFramed(c.Conn)
		if err != nil {
			return 0, err
		}
		plaintext, err := c.dec.Decrypt(nil, nil, ciphertext)
		if err != nil {
			return 0, err
		}
		c.pending = plaintext
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxPlaintextChunk {
			n = maxPlaintextChunk
		}
		ciphertext, err := c.enc.Encrypt(nil, nil, p[:n])
		if err != nil {
			return total, err
		}
		if err := writeFramed(c.Conn, ciphertext); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}
