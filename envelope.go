package ringvault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ringvault/ringvault/internal"
	"github.com/ringvault/ringvault/securemem"
)

var (
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.decrypt", MetricsPrefix), nil)
	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.encrypt", MetricsPrefix), nil)
)

// ErrMetadataMissing is returned when a loaded EnvelopeKeyRecord is missing
// the ParentKeyMeta needed to locate its wrapping key - a malformed row that
// can't be decrypted and must be treated as invalid rather than dereferenced.
var ErrMetadataMissing = errors.New("envelope key record is missing its parent key meta")

// ErrPartitionMismatch is returned when a DataRowRecord's parent IK id does
// not belong to the decrypting session's partition.
var ErrPartitionMismatch = errors.New("data row record belongs to a different partition")

var _ Encryption = (*envelopeEncryption)(nil)

// envelopeEncryption implements Encryption for one partition, orchestrating
// the SK -> IK -> DRK hierarchy against a Metastore and KeyManagementService.
type envelopeEncryption struct {
	partition        partition
	metastore        Metastore
	kms              KeyManagementService
	policy           *CryptoPolicy
	crypto           AEAD
	secretFactory    securemem.Factory
	systemKeys       cache
	intermediateKeys cache
}

func (e *envelopeEncryption) loadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("system key not found in metastore")
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

func (e *envelopeEncryption) systemKeyFromEKR(ctx context.Context, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	plain, err := e.kms.DecryptKey(ctx, ekr.EncryptedKey)
	if err != nil {
		return nil, err
	}

	return internal.NewCryptoKey(e.secretFactory, ekr.Created, ekr.Revoked, plain)
}

func (e *envelopeEncryption) intermediateKeyFromEKR(sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	if ekr != nil && ekr.ParentKeyMeta != nil && sk.Created() != ekr.ParentKeyMeta.Created {
		// The SK rotated since ekr was written; fetch the SK version it
		// was actually wrapped under instead.
		loaded, err := e.getOrLoadSystemKey(context.Background(), *ekr.ParentKeyMeta)
		if err != nil {
			return nil, err
		}

		sk = loaded
	}

	ikBytes, err := internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.crypto.Decrypt(ekr.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, err
	}

	return internal.NewCryptoKey(e.secretFactory, ekr.Created, ekr.Revoked, ikBytes)
}

func (e *envelopeEncryption) loadLatestOrCreateSystemKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr != nil && !e.isEnvelopeInvalid(ekr) {
		if e.policy.NotifyExpiredSystemKeyRead && ekr.Created > 0 && internal.IsKeyExpired(ekr.Created, e.policy.ExpireKeyAfter) {
			notify(KeyMeta{ID: id, Created: ekr.Created}, NotifyExpiredSystemKeyRead)
		}

		return e.systemKeyFromEKR(ctx, ekr)
	}

	sk, err := e.generateKey(e.policy.SystemKeyPrecision)
	if err != nil {
		return nil, err
	}

	switch ok, err2 := e.tryStoreSystemKey(ctx, sk); {
	case ok:
		return sk, nil
	default:
		sk.Close()

		if err2 != nil {
			return nil, err2
		}
	}

	// Store lost the race: someone else just wrote the key we tried to
	// write. Load exactly once more; the metastore guarantees a record now
	// exists for this id.
	ekr, err = e.mustLoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

func (e *envelopeEncryption) tryStoreSystemKey(ctx context.Context, sk *internal.CryptoKey) (bool, error) {
	encKey, err := internal.WithKeyFunc(sk, func(b []byte) ([]byte, error) {
		return e.kms.EncryptKey(ctx, b)
	})
	if err != nil {
		return false, err
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.SystemKeyID(),
		Created:      sk.Created(),
		EncryptedKey: encKey,
	}

	return e.tryStore(ctx, ekr), nil
}

var _ keyReloader = (*reloader)(nil)

// reloader tracks every CryptoKey loaded through it during one call, so a
// deferred Close() releases all of them, and implements keyReloader so a
// cache can ask whether its currently-held key needs replacing.
type reloader struct {
	mu            sync.Mutex
	loadedKeys    []*internal.CryptoKey
	loader        keyLoader
	isInvalidFunc func(*internal.CryptoKey) bool
	keyID         string
	isCached      bool
}

func (r *reloader) Load() (*internal.CryptoKey, error) {
	k, err := r.loader.Load()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.loadedKeys = append(r.loadedKeys, k)
	r.mu.Unlock()

	return k, nil
}

func (r *reloader) IsInvalid(key *internal.CryptoKey) bool {
	return r.isInvalidFunc(key)
}

func (r *reloader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.loadedKeys {
		maybeCloseKey(r.isCached, k)
	}
}

func (r *reloader) GetOrLoadLatest(c cache) (*internal.CryptoKey, error) {
	return c.GetOrLoadLatest(r.keyID, r)
}

func (e *envelopeEncryption) newIntermediateKeyReloader(ctx context.Context) *reloader {
	return e.newKeyReloader(ctx, e.partition.IntermediateKeyID(), e.policy.CacheIntermediateKeys, e.loadLatestOrCreateIntermediateKey)
}

func (e *envelopeEncryption) newSystemKeyReloader(ctx context.Context) *reloader {
	return e.newKeyReloader(ctx, e.partition.SystemKeyID(), e.policy.CacheSystemKeys, e.loadLatestOrCreateSystemKey)
}

func (e *envelopeEncryption) newKeyReloader(
	ctx context.Context,
	id string,
	isCached bool,
	loader func(context.Context, string) (*internal.CryptoKey, error),
) *reloader {
	return &reloader{
		keyID:    id,
		isCached: isCached,
		loader: keyLoaderFunc(func() (*internal.CryptoKey, error) {
			return loader(ctx, id)
		}),
		isInvalidFunc: e.isKeyInvalid,
	}
}

func (e *envelopeEncryption) isKeyInvalid(key *internal.CryptoKey) bool {
	return internal.IsKeyInvalid(key, e.policy.ExpireKeyAfter)
}

// isEnvelopeInvalid reports whether ekr is revoked or expired. Under the
// queued rotation strategy an expired-but-unrevoked envelope is still
// treated as usable for writes, and no rotation is scheduled for it; the
// inline strategy always treats expiry as invalid.
func (e *envelopeEncryption) isEnvelopeInvalid(ekr *EnvelopeKeyRecord) bool {
	if ekr.Revoked {
		return true
	}

	expired := internal.IsKeyExpired(ekr.Created, e.policy.ExpireKeyAfter)
	if !expired {
		return false
	}

	return e.policy.RotationStrategy != RotationQueued
}

func (e *envelopeEncryption) generateKey(precision time.Duration) (*internal.CryptoKey, error) {
	return internal.GenerateKey(e.secretFactory, newKeyTimestamp(precision), AES256KeySize)
}

// tryStore persists ekr and reports success. All persistence errors are
// treated as "someone already wrote this record" since the metastore cannot
// distinguish a true duplicate-write race from a transient fault any more
// precisely than that; a genuine systemic failure resurfaces on the
// subsequent mandatory reload.
func (e *envelopeEncryption) tryStore(ctx context.Context, ekr *EnvelopeKeyRecord) bool {
	ok, _ := e.metastore.Store(ctx, ekr.ID, ekr.Created, ekr)
	return ok
}

func (e *envelopeEncryption) mustLoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("key missing from metastore after duplicate-write retry")
	}

	return ekr, nil
}

func (e *envelopeEncryption) createIntermediateKey(ctx context.Context) (*internal.CryptoKey, error) {
	r := e.newSystemKeyReloader(ctx)
	defer r.Close()

	sk, err := r.GetOrLoadLatest(e.systemKeys)
	if err != nil {
		return nil, err
	}

	ik, err := e.generateKey(e.policy.IntermediateKeyPrecision)
	if err != nil {
		return nil, err
	}

	switch ok, err2 := e.tryStoreIntermediateKey(ctx, ik, sk); {
	case ok:
		return ik, nil
	default:
		ik.Close()

		if err2 != nil {
			return nil, err2
		}
	}

	newEkr, err := e.mustLoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, err
	}

	return e.intermediateKeyFromEKR(sk, newEkr)
}

func (e *envelopeEncryption) tryStoreIntermediateKey(ctx context.Context, ik, sk *internal.CryptoKey) (bool, error) {
	encBytes, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
			return e.crypto.Encrypt(ikBytes, skBytes)
		})
	})
	if err != nil {
		return false, err
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.IntermediateKeyID(),
		Created:      ik.Created(),
		EncryptedKey: encBytes,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	}

	return e.tryStore(ctx, ekr), nil
}

func (e *envelopeEncryption) loadLatestOrCreateIntermediateKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ikEkr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ikEkr == nil || ikEkr.ParentKeyMeta == nil || e.isEnvelopeInvalid(ikEkr) {
		return e.createIntermediateKey(ctx)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ikEkr.ParentKeyMeta)
	if err != nil {
		return e.createIntermediateKey(ctx)
	}

	defer maybeCloseKey(e.policy.CacheSystemKeys, sk)

	if ik := e.getValidIntermediateKey(sk, ikEkr); ik != nil {
		return ik, nil
	}

	return e.createIntermediateKey(ctx)
}

func (e *envelopeEncryption) getOrLoadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	loader := keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadSystemKey(ctx, meta)
	})

	return e.systemKeys.GetOrLoad(meta, loader)
}

func (e *envelopeEncryption) getValidIntermediateKey(sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) *internal.CryptoKey {
	if e.isKeyInvalid(sk) {
		return nil
	}

	ik, err := e.intermediateKeyFromEKR(sk, ekr)
	if err != nil {
		return nil
	}

	return ik
}

func decryptRow(ik *internal.CryptoKey, drr DataRowRecord, crypto AEAD) ([]byte, error) {
	return internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		rawDRK, err := crypto.Decrypt(drr.Key.EncryptedKey, ikBytes)
		if err != nil {
			return nil, err
		}

		defer internal.MemClr(rawDRK)

		return crypto.Decrypt(drr.Data, rawDRK)
	})
}

func maybeCloseKey(isCached bool, key *internal.CryptoKey) {
	if !isCached {
		key.Close()
	}
}

// EncryptPayload implements Encryption.
func (e *envelopeEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	r := e.newIntermediateKeyReloader(ctx)
	defer r.Close()

	ik, err := r.GetOrLoadLatest(e.intermediateKeys)
	if err != nil {
		return nil, err
	}

	drk, err := internal.GenerateKey(e.secretFactory, time.Now().Unix(), AES256KeySize)
	if err != nil {
		return nil, err
	}

	defer drk.Close()

	encData, err := internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
		return e.crypto.Encrypt(data, drkBytes)
	})
	if err != nil {
		return nil, err
	}

	encDRK, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
			return e.crypto.Encrypt(drkBytes, ikBytes)
		})
	})
	if err != nil {
		return nil, err
	}

	return &DataRowRecord{
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: encDRK,
			ParentKeyMeta: &KeyMeta{
				ID:      e.partition.IntermediateKeyID(),
				Created: ik.Created(),
			},
		},
		Data: encData,
	}, nil
}

// DecryptDataRowRecord implements Encryption.
func (e *envelopeEncryption) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if drr.Key == nil {
		return nil, errors.New("data row record is missing its key")
	}

	if drr.Key.ParentKeyMeta == nil {
		return nil, errors.New("data row record key is missing its parent key meta")
	}

	if !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID) {
		return nil, ErrPartitionMismatch
	}

	loader := keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadIntermediateKey(ctx, *drr.Key.ParentKeyMeta)
	})

	ik, err := e.intermediateKeys.GetOrLoad(*drr.Key.ParentKeyMeta, loader)
	if err != nil {
		return nil, err
	}

	defer maybeCloseKey(e.policy.CacheIntermediateKeys, ik)

	if e.policy.NotifyExpiredIntermediateKeyRead && internal.IsKeyExpired(ik.Created(), e.policy.ExpireKeyAfter) {
		notify(*drr.Key.ParentKeyMeta, NotifyExpiredIntermediateKeyRead)
	}

	return decryptRow(ik, drr, e.crypto)
}

func (e *envelopeEncryption) loadIntermediateKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("intermediate key not found in metastore")
	}

	if ekr.ParentKeyMeta == nil {
		return nil, ErrMetadataMissing
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return nil, err
	}

	defer maybeCloseKey(e.policy.CacheSystemKeys, sk)

	if e.policy.NotifyExpiredSystemKeyRead && internal.IsKeyExpired(sk.Created(), e.policy.ExpireKeyAfter) {
		notify(*ekr.ParentKeyMeta, NotifyExpiredSystemKeyRead)
	}

	return e.intermediateKeyFromEKR(sk, ekr)
}

// Close implements Encryption: it releases the intermediate key cache (and,
// transitively, every IK it holds). The shared system key cache outlives any
// single envelopeEncryption and is closed by the owning SessionFactory.
func (e *envelopeEncryption) Close() error {
	return e.intermediateKeys.Close()
}
