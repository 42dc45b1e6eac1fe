package envelope_test

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pivstore/pivstore/envelope"
)

func TestRoundTrip(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	pub := priv.PublicKey().Bytes()

	plaintext := []byte("secret blob contents")

	wire, err := envelope.Encrypt(plaintext, pub)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(wire), len(plaintext)+81)
	require.LessOrEqual(t, len(wire), len(plaintext)+81+16)

	got, err := envelope.Decrypt(wire, func(peerPub []byte) ([]byte, error) {
		peerKey, err := ecdh.P256().NewPublicKey(peerPub)
		require.NoError(t, err)

		return priv.ECDH(peerKey)
	})
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, got))
}

func TestRoundTripEmptyPlaintext(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	wire, err := envelope.Encrypt(nil, priv.PublicKey().Bytes())
	require.NoError(t, err)

	got, err := envelope.Decrypt(wire, func(peerPub []byte) ([]byte, error) {
		peerKey, err := ecdh.P256().NewPublicKey(peerPub)
		require.NoError(t, err)

		return priv.ECDH(peerKey)
	})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecryptShortWireIsCorrupt(t *testing.T) {
	_, err := envelope.Decrypt(make([]byte, 10), nil)
	require.ErrorIs(t, err, envelope.ErrCorrupt)
}

func TestDecryptBadPaddingIsCorrupt(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	wire, err := envelope.Encrypt([]byte("hello"), priv.PublicKey().Bytes())
	require.NoError(t, err)

	// Flip the last byte of ciphertext, corrupting the padding after
	// decryption with high probability.
	wire[len(wire)-1] ^= 0xFF

	_, err = envelope.Decrypt(wire, func(peerPub []byte) ([]byte, error) {
		peerKey, err := ecdh.P256().NewPublicKey(peerPub)
		require.NoError(t, err)

		return priv.ECDH(peerKey)
	})
	require.ErrorIs(t, err, envelope.ErrCorrupt)
}
