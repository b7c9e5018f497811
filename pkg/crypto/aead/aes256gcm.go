package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/ringvault/ringvault"
)

func aesGCMCipherFactory(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// NewAES256GCM returns an AEAD implementation backed by AES-256-GCM, the
// primitive used for every level of the key hierarchy and for payload
// encryption.
func NewAES256GCM() ringvault.AEAD {
	return cryptoFunc(aesGCMCipherFactory)
}
