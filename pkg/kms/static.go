// Package kms provides KeyManagementService implementations: a StaticKMS for
// tests and local development, and an AWS multi-region KMS backend for
// production.
package kms

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ringvault/ringvault"
	"github.com/ringvault/ringvault/internal"
	"github.com/ringvault/ringvault/securemem"
)

var _ ringvault.KeyManagementService = (*StaticKMS)(nil)

const staticKeySize = 32

// StaticKMS wraps/unwraps System Keys under a single fixed master key held
// in process memory. It is for tests and local development only — it does
// not protect the master key any better than any other key in the
// hierarchy, defeating the purpose of an external root of trust.
type StaticKMS struct {
	crypto ringvault.AEAD
	key    *internal.CryptoKey
}

// NewStatic constructs a StaticKMS from a 32-byte master key, secured in the
// given securemem engine (or the native engine if factory is nil).
func NewStatic(masterKey string, crypto ringvault.AEAD, factory securemem.Factory) (*StaticKMS, error) {
	if len(masterKey) != staticKeySize {
		return nil, errors.Errorf("static KMS key must be %d bytes, got %d", staticKeySize, len(masterKey))
	}

	if factory == nil {
		var err error

		factory, err = securemem.NewFactory(securemem.EngineNative)
		if err != nil {
			return nil, err
		}
	}

	key, err := internal.NewCryptoKey(factory, time.Now().Unix(), false, []byte(masterKey))
	if err != nil {
		return nil, err
	}

	return &StaticKMS{crypto: crypto, key: key}, nil
}

// EncryptKey wraps plaintext under the static master key.
func (s *StaticKMS) EncryptKey(_ context.Context, plaintext []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(masterBytes []byte) ([]byte, error) {
		return s.crypto.Encrypt(plaintext, masterBytes)
	})
}

// DecryptKey unwraps wrapped under the static master key.
func (s *StaticKMS) DecryptKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(masterBytes []byte) ([]byte, error) {
		return s.crypto.Decrypt(wrapped, masterBytes)
	})
}

// Close releases the master key's locked memory. Call once, at shutdown.
func (s *StaticKMS) Close() error {
	if s.key != nil {
		s.key.Close()
	}

	return nil
}
