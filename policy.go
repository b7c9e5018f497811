package ringvault

import "time"

// Default values applied by NewCryptoPolicy when not overridden.
const (
	DefaultExpireKeyAfter         = time.Hour * 24 * 90 // 90 days
	DefaultRevokeCheckInterval    = time.Minute * 60
	DefaultSystemKeyPrecision     = time.Minute
	DefaultIntermediateKeyPrecision = time.Minute
	DefaultKeyCacheMaxSize        = 1000
	DefaultSessionCacheMaxSize    = 1000
	DefaultSessionCacheExpire     = time.Hour * 2
	DefaultSecureHeapEngine       = EngineNativeName
	DefaultRotationStrategy       = RotationInline
)

// Secure-heap engine names, mirroring securemem.EngineNative /
// securemem.EngineEncrypted so callers configuring a CryptoPolicy don't need
// to import the securemem package directly.
const (
	EngineNativeName    = "native"
	EngineEncryptedName = "encrypted-buffer"
)

// RotationStrategy selects how an engine reacts to an invalid (expired or
// revoked) IK observed on the write path.
type RotationStrategy string

const (
	// RotationInline rotates synchronously: the writer that observes
	// staleness performs the create-new-key path itself before returning.
	RotationInline RotationStrategy = "inline"

	// RotationQueued keeps using an expired but unrevoked key record for
	// writes instead of creating a new key. Nothing is enqueued and no
	// background worker rotates the key; a new key is created only when the
	// write path finds no usable record (e.g. it is revoked, or an IK's SK
	// is invalid).
	RotationQueued RotationStrategy = "queued"
)

// CryptoPolicy configures key expiry, caching, and rotation behavior for a
// SessionFactory. Construct with NewCryptoPolicy and PolicyOptions rather
// than building the struct directly, so defaults stay consistent.
type CryptoPolicy struct {
	// ExpireKeyAfter determines when a key is considered expired based on
	// its creation time (regularly-scheduled rotation).
	ExpireKeyAfter time.Duration

	// RevokeCheckInterval is the cache TTL used to decide when a cached
	// "latest" key should be re-checked for revocation.
	RevokeCheckInterval time.Duration

	// SystemKeyPrecision truncates a newly created SK's timestamp, bounding
	// how often concurrent creators can race to create a new SK.
	SystemKeyPrecision time.Duration

	// IntermediateKeyPrecision is SystemKeyPrecision's IK counterpart.
	IntermediateKeyPrecision time.Duration

	// RotationStrategy controls whether an expired key record observed on
	// the write path is rotated synchronously (RotationInline) or kept in
	// use (RotationQueued).
	RotationStrategy RotationStrategy

	// CacheSystemKeys enables caching of System Keys.
	CacheSystemKeys bool
	// SystemKeyCacheMaxSize bounds the shared SK cache.
	SystemKeyCacheMaxSize int

	// CacheIntermediateKeys enables caching of Intermediate Keys.
	CacheIntermediateKeys bool
	// IntermediateKeyCacheMaxSize bounds each session's IK cache (or the
	// shared IK cache, if SharedIntermediateKeyCache is set).
	IntermediateKeyCacheMaxSize int
	// SharedIntermediateKeyCache, when true, has every session from one
	// factory share a single bounded IK cache rather than each session
	// owning its own.
	SharedIntermediateKeyCache bool

	// CacheSessions enables the optional bounded session cache.
	CacheSessions bool
	// SessionCacheMaxSize bounds the session cache.
	SessionCacheMaxSize int
	// SessionCacheExpire evicts a cached session after this long without
	// being accessed.
	SessionCacheExpire time.Duration

	// NotifyExpiredSystemKeyRead, when true, fires a (non-blocking)
	// notification when a read observes an expired SK.
	NotifyExpiredSystemKeyRead bool
	// NotifyExpiredIntermediateKeyRead is NotifyExpiredSystemKeyRead's IK
	// counterpart.
	NotifyExpiredIntermediateKeyRead bool

	// SecureHeapEngine names the securemem engine ("native" or
	// "encrypted-buffer") used to allocate Secrets for this policy's keys.
	SecureHeapEngine string
}

// PolicyOption configures a CryptoPolicy constructed via NewCryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithExpireKeyAfter sets how long a key remains valid after creation.
func WithExpireKeyAfter(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ExpireKeyAfter = d }
}

// WithRevokeCheckInterval sets the cache TTL used to trigger a revocation
// re-check on the latest cached key.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.RevokeCheckInterval = d }
}

// WithNoCache disables both SK and IK caching.
func WithNoCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache enables a single IK cache of the given
// capacity shared by every session from a factory.
func WithSharedIntermediateKeyCache(capacity int) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SharedIntermediateKeyCache = true
		p.IntermediateKeyCacheMaxSize = capacity
	}
}

// WithSessionCache enables the bounded session cache.
func WithSessionCache() PolicyOption {
	return func(p *CryptoPolicy) { p.CacheSessions = true }
}

// WithSessionCacheMaxSize sets the session cache's capacity.
func WithSessionCacheMaxSize(n int) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheMaxSize = n }
}

// WithSessionCacheExpire sets how long an unused cached session survives.
func WithSessionCacheExpire(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheExpire = d }
}

// WithRotationStrategy overrides the default inline rotation strategy.
func WithRotationStrategy(s RotationStrategy) PolicyOption {
	return func(p *CryptoPolicy) { p.RotationStrategy = s }
}

// WithSecureHeapEngine selects the securemem engine used for this policy's
// keys ("native" or "encrypted-buffer").
func WithSecureHeapEngine(name string) PolicyOption {
	return func(p *CryptoPolicy) { p.SecureHeapEngine = name }
}

// WithNotifyExpiredReads enables background notification when a read
// observes an expired SK and/or IK.
func WithNotifyExpiredReads(sk, ik bool) PolicyOption {
	return func(p *CryptoPolicy) {
		p.NotifyExpiredSystemKeyRead = sk
		p.NotifyExpiredIntermediateKeyRead = ik
	}
}

// NewCryptoPolicy returns a CryptoPolicy with the package defaults applied,
// then overridden by opts in order.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	p := &CryptoPolicy{
		ExpireKeyAfter:              DefaultExpireKeyAfter,
		RevokeCheckInterval:         DefaultRevokeCheckInterval,
		SystemKeyPrecision:          DefaultSystemKeyPrecision,
		IntermediateKeyPrecision:    DefaultIntermediateKeyPrecision,
		RotationStrategy:            DefaultRotationStrategy,
		CacheSystemKeys:             true,
		SystemKeyCacheMaxSize:       DefaultKeyCacheMaxSize,
		CacheIntermediateKeys:       true,
		IntermediateKeyCacheMaxSize: DefaultKeyCacheMaxSize,
		CacheSessions:               false,
		SessionCacheMaxSize:         DefaultSessionCacheMaxSize,
		SessionCacheExpire:          DefaultSessionCacheExpire,
		SecureHeapEngine:            DefaultSecureHeapEngine,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// newKeyTimestamp returns the current Unix time truncated to precision (or
// untruncated if precision <= 0).
func newKeyTimestamp(precision time.Duration) int64 {
	if precision > 0 {
		return time.Now().Truncate(precision).Unix()
	}

	return time.Now().Unix()
}

// Config carries the fixed identity and policy for a SessionFactory.
type Config struct {
	// Service identifies the owning service; part of both SK and IK ids.
	Service string
	// Product identifies the owning team/product; part of both SK and IK
	// ids.
	Product string
	// Policy controls expiry, caching, and rotation. A default policy is
	// used if nil.
	Policy *CryptoPolicy
}
