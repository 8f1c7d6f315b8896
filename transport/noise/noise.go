// Package noise implements tentacle.HandshakeTransformer over the Noise XX
// handshake pattern, the same construction go-libp2p's noise transport
// uses: a fresh X25519 keypair authenticates the channel, and the node's
// long-term secp256k1 identity key signs that X25519 public key inside the
// handshake payload so the remote can bind the encrypted channel to a
// stable peer identity.
package noise

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/flynn/noise"

	"github.com/nodecore-network/tentacle"
)

// sigPrefix domain-separates the identity signature from any other use of
// the node's secp256k1 key, following the same pattern go-libp2p's noise
// transport uses for its early-data binding.
const sigPrefix = "tentacle-noise-static-key:"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Transformer is a tentacle.HandshakeTransformer built on flynn/noise.
type Transformer struct {
	prologue []byte
}

// New builds a Transformer. prologue, if non-empty, must match on both
// ends of the handshake; it is folded into the Noise transcript hash and
// rejects any peer running an incompatible protocol version.
func New(prologue []byte) *Transformer {
	return &Transformer{prologue: prologue}
}

var _ tentacle.HandshakeTransformer = (*Transformer)(nil)

// Handshake implements tentacle.HandshakeTransformer.
func (t *Transformer) Handshake(ctx context.Context, conn net.Conn, keyPair *tentacle.KeyPair, direction tentacle.Direction) (net.Conn, tentacle.PublicKey, error) {
	result := make(chan handshakeResult, 1)
	go func() { result <- t.runHandshake(conn, keyPair, direction) }()

	select {
	case r := <-result:
		if r.err != nil {
			_ = conn.Close()
			return nil, nil, r.err
		}
		return r.conn, r.remote, nil
	case <-ctx.Done():
		_ = conn.Close()
		<-result
		return nil, nil, ctx.Err()
	}
}

type handshakeResult struct {
	conn   net.Conn
	remote tentacle.PublicKey
	err    error
}

func (t *Transformer) runHandshake(conn net.Conn, keyPair *tentacle.KeyPair, direction tentacle.Direction) handshakeResult {
	dhKeypair, err := cipherSuite.GenerateKeypair(nil)
	if err != nil {
		return handshakeResult{err: fmt.Errorf("noise: generating static keypair: %w", err)}
	}

	sig := ecdsa.Sign(keyPair.Private(), signedDigest(dhKeypair.Public))
	payload := encodePayload(keyPair.PublicKey().Bytes(), sig.Serialize())

	initiator := direction == tentacle.Outbound
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      t.prologue,
		StaticKeypair: dhKeypair,
	})
	if err != nil {
		return handshakeResult{err: fmt.Errorf("noise: initializing handshake state: %w", err)}
	}

	var (
		remotePayload []byte
		enc, dec      *noise.CipherState
	)
	if initiator {
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return handshakeResult{err: fmt.Errorf("noise: writing message 1: %w", err)}
		}
		if err := writeFramed(conn, msg); err != nil {
			return handshakeResult{err: fmt.Errorf("noise: sending message 1: %w", err)}
		}

		in, err := readFramed(conn)
		if err != nil {
			return handshakeResult{err: fmt.Errorf("noise: receiving message 2: %w", err)}
		}
		remotePayload, _, _, err = hs.ReadMessage(nil, in)
		if err != nil {
			return handshakeResult{err: fmt.Errorf("noise: reading message 2: %w", err)}
		}

		msg, encState, decState, err := hs.WriteMessage(nil, payload)
		if err != nil {
			return handshakeResult{err: fmt.Errorf("noise: writing message 3: %w", err)}
		}
		if err := writeFramed(conn, msg); err != nil {
			return handshakeResult{err: fmt.Errorf("noise: sending message 3: %w", err)}
		}
		enc, dec = encState, decState
	} else {
		in, err := readFramed(conn)
		if err != nil {
			return handshakeResult{err: fmt.Errorf("noise: receiving message 1: %w", err)}
		}
		if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
			return handshakeResult{err: fmt.Errorf("noise: reading message 1: %w", err)}
		}

		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return handshakeResult{err: fmt.Errorf("noise: writing message 2: %w", err)}
		}
		if err := writeFramed(conn, msg); err != nil {
			return handshakeResult{err: fmt.Errorf("noise: sending message 2: %w", err)}
		}

		in, err = readFramed(conn)
		if err != nil {
			return handshakeResult{err: fmt.Errorf("noise: receiving message 3: %w", err)}
		}
		var csInitiatorToResponder, csResponderToInitiator *noise.CipherState
		remotePayload, csInitiatorToResponder, csResponderToInitiator, err = hs.ReadMessage(nil, in)
		if err != nil {
			return handshakeResult{err: fmt.Errorf("noise: reading message 3: %w", err)}
		}
		// flynn/noise always orders the pair (initiator->responder,
		// responder->initiator); the responder sends with the second and
		// decrypts with the first.
		enc, dec = csResponderToInitiator, csInitiatorToResponder
	}

	remoteDHKey, remoteSig, err := decodePayload(remotePayload)
	if err != nil {
		return handshakeResult{err: fmt.Errorf("noise: decoding remote payload: %w", err)}
	}
	remoteIdentity, err := tentacle.NewPublicKeyFromBytes(remoteDHKey.identity)
	if err != nil {
		return handshakeResult{err: fmt.Errorf("noise: parsing remote identity key: %w", err)}
	}
	sigObj, err := ecdsa.ParseDERSignature(remoteSig)
	if err != nil {
		return handshakeResult{err: fmt.Errorf("noise: parsing remote signature: %w", err)}
	}
	remoteStatic := hs.PeerStatic()
	if !sigObj.Verify(signedDigest(remoteStatic), remoteIdentityKey(remoteIdentity)) {
		return handshakeResult{err: fmt.Errorf("noise: remote identity signature does not match static key")}
	}

	return handshakeResult{
		conn:   newSecureConn(conn, enc, dec),
		remote: remoteIdentity,
	}
}

func signedDigest(staticPubKey []byte) []byte {
	h := sha256.Sum256(append([]byte(sigPrefix), staticPubKey...))
	return h[:]
}

// remoteIdentityKey recovers the *secp256k1.PublicKey backing a
// tentacle.PublicKey so its signature can be verified; tentacle.PublicKey
// deliberately hides the curve type behind Bytes/Equal/String, so the
// concrete key is reparsed from its compressed encoding.
func remoteIdentityKey(pub tentacle.PublicKey) *secp256k1.PublicKey {
	key, err := secp256k1.ParsePubKey(pub.Bytes())
	if err != nil {
		return nil
	}
	return key
}

// payload encoding: [identityKeyLen uint16][identityKey][sigLen uint16][sig]
func encodePayload(identity, sig []byte) []byte {
	buf := make([]byte, 2+len(identity)+2+len(sig))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(identity)))
	copy(buf[2:], identity)
	off := 2 + len(identity)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(sig)))
	copy(buf[off+2:], sig)
	return buf
}

type decodedPayload struct {
	identity []byte
}

func decodePayload(buf []byte) (decodedPayload, []byte, error) {
	if len(buf) < 2 {
		return decodedPayload{}, nil, fmt.Errorf("payload too short")
	}
	idLen := binary.BigEndian.Uint16(buf[0:2])
	if len(buf) < 2+int(idLen)+2 {
		return decodedPayload{}, nil, fmt.Errorf("payload truncated")
	}
	identity := buf[2 : 2+idLen]
	off := 2 + int(idLen)
	sigLen := binary.BigEndian.Uint16(buf[off : off+2])
	if len(buf) < off+2+int(sigLen) {
		return decodedPayload{}, nil, fmt.Errorf("payload truncated (sig)")
	}
	sig := buf[off+2 : off+2+int(sigLen)]
	return decodedPayload{identity: identity}, sig, nil
}

// writeFramed/readFramed use a 2-byte big-endian length prefix, the same
// shape of framing the retrieved go-libp2p noise session buffers its
// handshake messages with.
func writeFramed(w io.Writer, msg []byte) error {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(msg)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
