// Package ringvault implements application-layer envelope encryption: given
// a plaintext payload and a logical partition (service/product/partition
// id), it produces a self-describing DataRowRecord whose decryption requires
// access to an external KMS (the root of trust) and a durable metastore.
//
// A three-level key hierarchy is enforced under the hood - System Key (SK),
// Intermediate Key (IK), Data Row Key (DRK) - with per-row DRKs, bounded
// caching, periodic revocation checks, and hardened in-memory handling of
// plaintext key material via the securemem package.
//
// Typical usage constructs a single SessionFactory at application start up,
// requests a Session per logical partition, and closes each Session as soon
// as it's no longer needed:
//
//	factory, err := ringvault.NewSessionFactory(cfg, metastore, kms, crypto)
//	...
//	defer factory.Close()
//
//	session, err := factory.GetSession("shopper-123")
//	...
//	defer session.Close()
//
//	drr, err := session.Encrypt(ctx, []byte("hello"))
package ringvault

import (
	"context"

	_ "github.com/ringvault/ringvault/securemem/encryptedmem" // register the encrypted-buffer engine
	_ "github.com/ringvault/ringvault/securemem/nativemem"    // register the native engine
)

// MetricsPrefix namespaces every metric registered by this module.
const MetricsPrefix = "rv"

// AES256KeySize is the key width, in bytes, required by the AEAD
// implementation used throughout the hierarchy.
const AES256KeySize int = 32

// Encryption performs encryption/decryption for a single partition.
type Encryption interface {
	// EncryptPayload encrypts data and returns a DataRowRecord carrying
	// everything needed to decrypt it later.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)

	// DecryptDataRowRecord reverses EncryptPayload.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)

	// Close releases any resources (e.g. cached keys) owned by this
	// Encryption. Idempotent.
	Close() error
}

// KeyManagementService is the external root of trust: it wraps/unwraps
// System Key bytes under a master key it alone holds.
type KeyManagementService interface {
	// EncryptKey wraps plaintext key bytes under the master key. The result
	// is opaque to callers and is what gets persisted in the metastore.
	EncryptKey(ctx context.Context, plaintext []byte) ([]byte, error)

	// DecryptKey unwraps bytes previously returned by EncryptKey.
	DecryptKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Metastore is the durable, append-only store of wrapped SK and IK records,
// indexed by (id, created).
type Metastore interface {
	// Load returns the exact record matching id and created, or nil if
	// absent.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)

	// LoadLatest returns the record with the highest created for id, or nil
	// if none exists.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)

	// Store attempts to insert envelope under (id, created). It returns true
	// if the record was newly persisted, false if a record already exists
	// for that (id, created) pair (a duplicate-write race). Any other
	// failure is returned as a non-nil error.
	Store(ctx context.Context, id string, created int64, envelope *EnvelopeKeyRecord) (bool, error)
}

// AEAD authenticates and encrypts arbitrary bytes under a 256-bit key.
type AEAD interface {
	Encrypt(plaintext, key []byte) ([]byte, error)
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

// Loader retrieves a DataRowRecord from an application's own persistence
// layer given an opaque lookup key, for use with Session.Load.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord into an application's own persistence
// layer and returns an opaque lookup key, for use with Session.Store.
type Storer interface {
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}
