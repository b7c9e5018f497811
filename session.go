package ringvault

import (
	"context"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ringvault/ringvault/pkg/log"
	"github.com/ringvault/ringvault/securemem"
)

// SessionFactory creates Sessions and owns the resources shared across every
// Session it produces: the System Key cache and, optionally, a bounded
// Session cache.
type SessionFactory struct {
	config        *Config
	metastore     Metastore
	kms           KeyManagementService
	crypto        AEAD
	secretFactory securemem.Factory

	systemKeys             cache
	sharedIntermediateKeys cache
	sessionCache           SessionCache
}

// FactoryOption configures optional SessionFactory behavior.
type FactoryOption func(*SessionFactory)

// WithSecretFactory overrides the securemem.Factory used to allocate key
// material. Defaults to the engine named by config.Policy.SecureHeapEngine.
func WithSecretFactory(f securemem.Factory) FactoryOption {
	return func(sf *SessionFactory) { sf.secretFactory = f }
}

// WithMetrics enables or disables the package's go-metrics registry.
func WithMetrics(enabled bool) FactoryOption {
	return func(sf *SessionFactory) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// NewSessionFactory wires a Metastore, KeyManagementService, and AEAD into a
// ready-to-use SessionFactory. config.Policy defaults to NewCryptoPolicy()
// if nil.
func NewSessionFactory(config *Config, store Metastore, kms KeyManagementService, crypto AEAD, opts ...FactoryOption) (*SessionFactory, error) {
	if config.Policy == nil {
		config.Policy = NewCryptoPolicy()
	}

	secretFactory, err := securemem.NewFactory(config.Policy.SecureHeapEngine)
	if err != nil {
		return nil, err
	}

	var skCache cache
	if config.Policy.CacheSystemKeys {
		skCache = newKeyCache(config.Policy, config.Policy.SystemKeyCacheMaxSize)
		log.Debugf("new system key cache: %s", skCache)
	} else {
		skCache = neverCache{}
	}

	var sharedIK cache
	if config.Policy.SharedIntermediateKeyCache {
		sharedIK = newKeyCache(config.Policy, config.Policy.IntermediateKeyCacheMaxSize)
	}

	f := &SessionFactory{
		config:                 config,
		metastore:              store,
		kms:                    kms,
		crypto:                 crypto,
		secretFactory:          secretFactory,
		systemKeys:             skCache,
		sharedIntermediateKeys: sharedIK,
	}

	if config.Policy.CacheSessions {
		f.sessionCache = NewSessionCache(func(id string) (*Session, error) {
			return newSession(f, id)
		}, config.Policy)
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

func (f *SessionFactory) newPartitionFor(id string) partition {
	if v, ok := f.metastore.(interface{ GetRegionSuffix() string }); ok && len(v.GetRegionSuffix()) > 0 {
		return newSuffixedPartition(id, f.config.Service, f.config.Product, v.GetRegionSuffix())
	}

	return newPartition(id, f.config.Service, f.config.Product)
}

func (f *SessionFactory) newIKCache() cache {
	if f.sharedIntermediateKeys != nil {
		return f.sharedIntermediateKeys
	}

	if f.config.Policy.CacheIntermediateKeys {
		return newKeyCache(f.config.Policy, f.config.Policy.IntermediateKeyCacheMaxSize)
	}

	return neverCache{}
}

func newSession(f *SessionFactory, id string) (*Session, error) {
	s := &Session{
		encryption: &envelopeEncryption{
			partition:        f.newPartitionFor(id),
			metastore:        f.metastore,
			kms:              f.kms,
			policy:           f.config.Policy,
			crypto:           f.crypto,
			secretFactory:    f.secretFactory,
			systemKeys:       f.systemKeys,
			intermediateKeys: f.newIKCache(),
		},
	}

	log.Debugf("new session for partition %q: Session(%p){Encryption(%p)}", id, s, s.encryption)

	return s, nil
}

// GetSession returns a Session scoped to partition id. If session caching is
// enabled, the returned Session may be shared with other callers requesting
// the same id; Close still must be called by each caller, and the
// underlying Encryption is only released once every caller has done so.
func (f *SessionFactory) GetSession(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("partition id cannot be empty")
	}

	if f.sessionCache != nil {
		return f.sessionCache.Get(id)
	}

	return newSession(f, id)
}

// Close releases every resource owned by the factory: the session cache (if
// any) and the shared system key cache. Call once, at application shutdown.
func (f *SessionFactory) Close() error {
	if f.sessionCache != nil {
		f.sessionCache.Close()
	}

	if f.sharedIntermediateKeys != nil {
		f.sharedIntermediateKeys.Close()
	}

	return f.systemKeys.Close()
}

// Session performs encryption/decryption for one partition.
type Session struct {
	encryption Encryption
}

// Encrypt encrypts data and returns a DataRowRecord for later decryption.
func (s *Session) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt reverses Encrypt.
func (s *Session) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load fetches a DataRowRecord from store using key and decrypts it.
func (s *Session) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	drr, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.Decrypt(ctx, *drr)
}

// Store encrypts payload and persists the resulting DataRowRecord into
// store, returning the opaque lookup key store assigned it.
func (s *Session) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *drr)
}

// Close releases resources (e.g. cached IKs) owned by this session.
func (s *Session) Close() error {
	return s.encryption.Close()
}

// injectEncryption swaps s's Encryption implementation; used by the session
// cache's sharing wrapper.
func injectEncryption(s *Session, e Encryption) {
	s.encryption = e
}
