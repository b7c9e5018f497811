// Package aead provides AEAD implementations of the ringvault.AEAD
// interface used to encrypt/decrypt key and payload bytes throughout the
// hierarchy.
package aead

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/ringvault/ringvault/internal"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16

	// gcmMaxDataSize is the largest plaintext GCM can safely process in one
	// Seal call (NIST SP 800-38D caps it far higher, but this keeps
	// allocations sane for any single value this library handles).
	gcmMaxDataSize = 1 << 36
)

// cryptoFunc adapts a (key []byte) -> cipher.AEAD constructor into the
// ringvault.AEAD interface, appending a random nonce to the ciphertext.
type cryptoFunc func(key []byte) (cipher.AEAD, error)

// Encrypt implements ringvault.AEAD. The returned slice is
// ciphertext||tag||nonce.
func (c cryptoFunc) Encrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) > gcmMaxDataSize {
		return nil, errors.New("data too large for GCM")
	}

	if gcmTagSize != aeadCipher.Overhead() {
		return nil, errors.New("unexpected cipher overhead")
	}

	if gcmNonceSize != aeadCipher.NonceSize() {
		return nil, errors.New("unexpected cipher nonce size")
	}

	size := len(data) + gcmTagSize + gcmNonceSize

	out := make([]byte, size)
	noncePos := len(out) - aeadCipher.NonceSize()

	internal.FillRandom(out[noncePos:])

	aeadCipher.Seal(out[:0], out[noncePos:], data, nil)

	return out, nil
}

// Decrypt implements ringvault.AEAD.
func (c cryptoFunc) Decrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aeadCipher.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce size")
	}

	noncePos := len(data) - aeadCipher.NonceSize()

	// data's storage is owned by the caller and, for key ciphertexts, wiped
	// immediately after this call returns, so the plaintext can't alias it.
	plain, err := aeadCipher.Open(nil, data[noncePos:], data[:noncePos], nil)

	return plain, errors.Wrap(err, "error decrypting data")
}
