// Package envelope implements the hybrid ECDH+AES wrapping applied around
// a blob's payload bytes when it is stored encrypted.
//
// The on-wire format is ephemeral_pub(65) || iv(16) || ciphertext, with the
// AES-256 key derived via HKDF-SHA256 from the ECDH shared secret. This is
// plain AES-CBC, not an AEAD construction: integrity is provided externally
// by the store's age-based consistency checks, not by this package. A
// future revision may migrate to an AEAD construction instead.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

// ErrCorrupt is returned when a wire envelope is too short to parse or its
// PKCS7 padding is invalid after decryption.
//
// Callers SHOULD collapse the timing of ErrCorrupt
// and a PIN rejection from the device so padding-oracle-style probing
// cannot distinguish them; callers of Decrypt should treat both uniformly
// rather than branching on which one occurred.
var ErrCorrupt = errors.New("envelope: corrupt")

const (
	pubKeyLen = 65 // uncompressed P-256 point
	ivLen     = 16
	minWire   = pubKeyLen + ivLen // wire shorter than this can't even be parsed
)

// ECDH performs the on-device half of key agreement: given the envelope's
// ephemeral public point, it returns the 32-byte shared secret. The object
// store core supplies this as a closure over [device.Device.ECDH] so this
// package never depends on the device package directly.
type ECDH func(peerPub []byte) ([]byte, error)

// Encrypt wraps plaintext for the holder of the private key behind
// peerPublic (a 65-byte uncompressed P-256 point, typically read via
// [device.Device.PublicKey]).
func Encrypt(plaintext []byte, peerPublic []byte) ([]byte, error) {
	curve := ecdh.P256()

	peerKey, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid peer public key: %w", err)
	}

	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("envelope: ecdh: %w", err)
	}

	key, err := deriveKey(shared)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("envelope: generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := make([]byte, 0, pubKeyLen+ivLen+len(ct))
	out = append(out, ephemeral.PublicKey().Bytes()...)
	out = append(out, iv...)
	out = append(out, ct...)

	return out, nil
}

// Decrypt unwraps wire (as produced by Encrypt) using ecdhFn, the on-device
// ECDH callback for the static private key that decrypts this envelope.
func Decrypt(wire []byte, ecdhFn ECDH) ([]byte, error) {
	if len(wire) < minWire {
		return nil, ErrCorrupt
	}

	ephemeralPub := wire[:pubKeyLen]
	iv := wire[pubKeyLen : pubKeyLen+ivLen]
	ct := wire[pubKeyLen+ivLen:]

	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, ErrCorrupt
	}

	shared, err := ecdhFn(ephemeralPub)
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(shared)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}

	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	plaintext, err := pkcs7Unpad(padded)
	if err != nil {
		return nil, ErrCorrupt
	}

	return plaintext, nil
}

// deriveKey expands the raw ECDH shared secret into a 32-byte AES-256 key
// via HKDF-SHA256 with an empty salt and empty info.
func deriveKey(shared []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(newSHA256, shared, nil, nil), key); err != nil {
		return nil, fmt.Errorf("envelope: hkdf: %w", err)
	}

	return key, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)

	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorrupt
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, ErrCorrupt
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrCorrupt
		}
	}

	return data[:len(data)-padLen], nil
}
