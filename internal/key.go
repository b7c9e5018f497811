package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ringvault/ringvault/securemem"
)

// CryptoKey is a timestamped, revocable handle on plaintext key bytes held in
// a securemem.Secret. It is the in-memory representation of an SK, IK, or DRK
// once unwrapped.
type CryptoKey struct {
	created int64
	secret  securemem.Secret
	once    sync.Once
	revoked uint32
}

// NewCryptoKey builds a CryptoKey from an existing byte slice (e.g. the
// result of unwrapping an EnvelopeKeyRecord). key is copied into a new Secret
// and wiped by the Secret factory; callers must not reuse key afterward.
func NewCryptoKey(factory securemem.Factory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{
		created: created,
		revoked: boolToUint32(revoked),
		secret:  sec,
	}, nil
}

// GenerateKey creates a new random CryptoKey of size bytes.
func GenerateKey(factory securemem.Factory, created int64, size int) (*CryptoKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, secret: sec}, nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

// Created returns the key's creation time as a Unix epoch in seconds.
func (k *CryptoKey) Created() int64 { return k.created }

// Revoked reports whether the key has been marked revoked.
func (k *CryptoKey) Revoked() bool { return atomic.LoadUint32(&k.revoked) == 1 }

// SetRevoked atomically transitions the revoked flag. The transition is
// monotonic in practice (callers never un-revoke), but the field itself
// supports either direction.
func (k *CryptoKey) SetRevoked(revoked bool) {
	atomic.StoreUint32(&k.revoked, boolToUint32(revoked))
}

// Close releases the underlying Secret. Idempotent.
func (k *CryptoKey) Close() {
	k.once.Do(func() {
		if k.secret != nil {
			k.secret.Close()
		}
	})
}

// IsClosed reports whether Close has completed.
func (k *CryptoKey) IsClosed() bool {
	return k.secret != nil && k.secret.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){created=%d,revoked=%t}", k, k.created, k.Revoked())
}

// WithBytes implements BytesAccessor.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc implements BytesFuncAccessor.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}

// BytesAccessor is implemented by anything exposing scoped read access to
// key bytes, e.g. CryptoKey.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey is a free-function alias for accessor.WithBytes, useful for
// composing nested scopes without repeating the receiver.
func WithKey(accessor BytesAccessor, action func([]byte) error) error {
	return accessor.WithBytes(action)
}

// BytesFuncAccessor is implemented by anything exposing scoped read access
// that produces a derived byte slice, e.g. CryptoKey.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc is a free-function alias for accessor.WithBytesFunc.
func WithKeyFunc(accessor BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return accessor.WithBytesFunc(action)
}

// Revokable is satisfied by anything with a revoked flag and a creation
// time, e.g. CryptoKey.
type Revokable interface {
	Revoked() bool
	Created() int64
}

// IsKeyExpired reports whether created, interpreted as a Unix timestamp, is
// older than expireAfter.
func IsKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}

// IsKeyInvalid reports whether key is revoked or expired under expireAfter.
func IsKeyInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsKeyExpired(key.Created(), expireAfter)
}
