package tentacle

import (
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PublicKey identifies a remote peer. Two keys that compare Equal are
// considered the same identity for the one-session-per-identity invariant
// (spec.md §3).
type PublicKey interface {
	Equal(other PublicKey) bool
	Bytes() []byte
	String() string
}

// secp256k1PublicKey wraps a decred secp256k1 public key, the curve
// implementation go-libp2p's identity keys use (galargh/go-libp2p,
// TheNoobiCat/go-libp2p in the retrieved corpus), used here in place of the
// teacher's stdlib crypto/ecdsa key.
type secp256k1PublicKey struct {
	key *secp256k1.PublicKey
}

func (p *secp256k1PublicKey) Equal(other PublicKey) bool {
	o, ok := other.(*secp256k1PublicKey)
	if !ok || o == nil || p == nil {
		return false
	}
	return p.key.IsEqual(o.key)
}

func (p *secp256k1PublicKey) Bytes() []byte { return p.key.SerializeCompressed() }

func (p *secp256k1PublicKey) String() string { return fmt.Sprintf("%x", p.Bytes()) }

// KeyPair is the node's long-term secp256k1 identity key. A nil *KeyPair
// configured on a Service means "no cryptographic handshake" (spec.md §4.3).
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeyPair creates a fresh random identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, IOError(err)
	}
	priv := secp256k1.PrivKeyFromBytes(buf[:])
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromPrivateBytes builds a KeyPair from a 32-byte scalar.
func KeyPairFromPrivateBytes(b []byte) (*KeyPair, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("tentacle: private key must be 32 bytes, got %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return &KeyPair{priv: priv}, nil
}

// Private returns the underlying secp256k1 private key.
func (k *KeyPair) Private() *secp256k1.PrivateKey { return k.priv }

// PublicKey returns the identity's public key.
func (k *KeyPair) PublicKey() PublicKey {
	return &secp256k1PublicKey{key: k.priv.PubKey()}
}

// NewPublicKeyFromBytes parses a compressed secp256k1 public key, used by
// HandshakeTransformer implementations to hand the reactor the remote
// identity they authenticated.
func NewPublicKeyFromBytes(b []byte) (PublicKey, error) {
	key, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("tentacle: invalid public key: %w", err)
	}
	return &secp256k1PublicKey{key: key}, nil
}
