package tentacle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairAndPublicKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	pub := kp.PublicKey()
	require.NotEmpty(t, pub.Bytes())

	parsed, err := NewPublicKeyFromBytes(pub.Bytes())
	require.NoError(t, err)
	require.True(t, pub.Equal(parsed))
	require.True(t, parsed.Equal(pub))
}

func TestPublicKeyEqualRejectsDifferentKeys(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	require.False(t, a.PublicKey().Equal(b.PublicKey()))
}

func TestKeyPairFromPrivateBytesRejectsWrongLength(t *testing.T) {
	_, err := KeyPairFromPrivateBytes([]byte{1, 2, 3})
	require.Error(t, err)
}
