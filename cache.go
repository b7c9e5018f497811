package ringvault

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/goburrow/cache"

	"github.com/ringvault/ringvault/internal"
	"github.com/ringvault/ringvault/pkg/log"
)

// cacheEntry pairs a loaded key with the time it entered the cache, so a
// revocation re-check can be scheduled independently of the key's own
// creation time.
type cacheEntry struct {
	loadedAt time.Time
	key      *internal.CryptoKey
}

func newCacheEntry(k *internal.CryptoKey) cacheEntry {
	return cacheEntry{loadedAt: time.Now(), key: k}
}

// cacheKey formats an id/created pair into the flat string keys used by the
// underlying bounded cache.
func cacheKey(id string, created int64) string {
	return fmt.Sprintf("%s-%d", id, created)
}

// keyLoaderFunc adapts a plain func into a keyLoader.
type keyLoaderFunc func() (*internal.CryptoKey, error)

func (f keyLoaderFunc) Load() (*internal.CryptoKey, error) { return f() }

// keyLoader retrieves a key on demand, e.g. from the metastore.
type keyLoader interface {
	Load() (*internal.CryptoKey, error)
}

// keyReloader extends keyLoader with the ability to judge whether a
// previously loaded key is stale and needs replacing.
type keyReloader interface {
	keyLoader
	IsInvalid(*internal.CryptoKey) bool
}

// cache is satisfied by both the real, bounded keyCache and the no-op
// neverCache used when a policy disables caching outright.
type cache interface {
	GetOrLoad(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error)
	GetOrLoadLatest(id string, loader keyLoader) (*internal.CryptoKey, error)
	Close() error
}

var _ cache = (*keyCache)(nil)

// keyCache holds decrypted SK/IK CryptoKeys behind a bounded LRU so a
// long-lived process doesn't accumulate unbounded locked memory, while still
// tracking "latest per id" outside the LRU's eviction so GetOrLoadLatest
// stays cheap. Close wipes every key still resident.
type keyCache struct {
	once   sync.Once
	rw     sync.RWMutex
	policy *CryptoPolicy
	maxSize int

	// store is the bounded backing cache; entries are evicted once it holds
	// more than maxSize of them, in which case the evicted key is closed via
	// the removal listener.
	store gocache.Cache

	// latest tracks, per id, the cache key of its most-recently-loaded
	// entry so GetOrLoadLatest never needs an LRU scan. Protected by rw.
	latest map[string]string
}

// newKeyCache constructs a ready-to-use keyCache bounded to maxSize entries.
func newKeyCache(policy *CryptoPolicy, maxSize int) *keyCache {
	c := &keyCache{
		policy: policy,
		maxSize: maxSize,
		latest: make(map[string]string),
	}

	c.store = gocache.New(
		gocache.WithMaximumSize(maxSize),
		gocache.WithRemovalListener(func(k gocache.Key, v gocache.Value) {
			if e, ok := v.(cacheEntry); ok && e.key != nil {
				e.key.Close()
			}
		}),
	)

	return c
}

// isReloadRequired reports whether entry needs a revocation re-check: it's
// been resident for longer than the configured RevokeCheckInterval and
// isn't already known to be revoked (a revoked key stays revoked).
func isReloadRequired(entry cacheEntry, checkInterval time.Duration) bool {
	if entry.key.Revoked() {
		return false
	}

	return entry.loadedAt.Add(checkInterval).Before(time.Now())
}

// GetOrLoad returns the key for id, fetching it via loader on a cache miss.
func (c *keyCache) GetOrLoad(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	c.rw.RLock()
	k, ok := c.get(id)
	c.rw.RUnlock()

	if ok {
		return k, nil
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if k, ok := c.get(id); ok {
		return k, nil
	}

	return c.load(id, loader)
}

// get returns the cached key for id if present and not due for a revocation
// re-check. Caller must hold rw (read or write).
func (c *keyCache) get(id KeyMeta) (*internal.CryptoKey, bool) {
	key := cacheKey(id.ID, id.Created)

	if e, ok := c.read(key); ok && !isReloadRequired(e, c.policy.RevokeCheckInterval) {
		return e.key, true
	}

	return nil, false
}

// load fetches id via loader and inserts the result, also updating the
// "latest" pointer for id.ID if this is the newest version seen. Caller
// must hold rw for writing.
func (c *keyCache) load(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	key := cacheKey(id.ID, id.Created)

	k, err := loader.Load()
	if err != nil {
		return nil, err
	}

	e, ok := c.read(key)
	if ok && e.key.Created() == k.Created() {
		// Same version already cached: refresh its revoked flag and
		// loadedAt, and discard the redundant copy we just loaded.
		e.key.SetRevoked(k.Revoked())
		e.loadedAt = time.Now()
		c.write(key, e)

		k.Close()
	} else {
		e = newCacheEntry(k)
		c.write(key, e)
	}

	fq := cacheKey(id.ID, e.key.Created())
	c.write(fq, e)

	if latestKey, ok := c.latest[id.ID]; !ok {
		c.latest[id.ID] = fq
	} else if latestEntry, ok := c.read(latestKey); !ok || latestEntry.key.Created() < e.key.Created() {
		c.latest[id.ID] = fq
	}

	return e.key, nil
}

func (c *keyCache) read(key string) (cacheEntry, bool) {
	v, ok := c.store.GetIfPresent(key)
	if !ok {
		log.Debugf("%s miss -- key: %s", c, key)
		return cacheEntry{}, false
	}

	return v.(cacheEntry), true
}

func (c *keyCache) write(key string, e cacheEntry) {
	log.Debugf("%s write -> key: %s, entry: %s", c, key, e.key)
	c.store.Put(key, e)
}

// GetOrLoadLatest returns the newest cached key for id, reloading via loader
// on a miss. If loader also implements keyReloader and judges the cached
// key invalid, a fresh load replaces it.
func (c *keyCache) GetOrLoadLatest(id string, loader keyLoader) (*internal.CryptoKey, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	e, ok := cacheEntry{}, false
	if fq, found := c.latest[id]; found {
		e, ok = c.read(fq)
	}

	if !ok || isReloadRequired(e, c.policy.RevokeCheckInterval) {
		return c.loadLatest(id, loader)
	}

	key := e.key

	if reloader, ok := loader.(keyReloader); ok && reloader.IsInvalid(key) {
		reloaded, err := loader.Load()
		if err != nil {
			return nil, err
		}

		e := newCacheEntry(reloaded)
		fq := cacheKey(id, reloaded.Created())

		c.write(fq, e)
		c.latest[id] = fq

		return reloaded, nil
	}

	return key, nil
}

// loadLatest is load's counterpart for the ID-only (Created == 0) lookup
// path used by GetOrLoadLatest.
func (c *keyCache) loadLatest(id string, loader keyLoader) (*internal.CryptoKey, error) {
	return c.load(KeyMeta{ID: id}, loader)
}

// Close wipes every key still resident in the cache. Idempotent. Must be
// called once a session is done with this cache to avoid leaking locked
// memory for the lifetime of the process.
func (c *keyCache) Close() error {
	c.once.Do(c.close)
	return nil
}

func (c *keyCache) close() {
	c.rw.Lock()
	defer c.rw.Unlock()

	c.store.InvalidateAll()
	c.latest = make(map[string]string)
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%p){max=%d}", c, c.maxSize)
}

var _ cache = neverCache{}

// neverCache implements cache but never actually retains anything; every
// call goes straight to loader. Used when a CryptoPolicy disables caching.
type neverCache struct{}

func (neverCache) GetOrLoad(_ KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	return loader.Load()
}

func (neverCache) GetOrLoadLatest(_ string, loader keyLoader) (*internal.CryptoKey, error) {
	return loader.Load()
}

func (neverCache) Close() error { return nil }
