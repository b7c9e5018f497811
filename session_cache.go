package ringvault

import (
	"sync"

	gocache "github.com/goburrow/cache"
)

// SessionCache bounds the number of concurrently-open Sessions for a
// SessionFactory, sharing one Session (and its IK cache) across concurrent
// callers asking for the same partition id.
type SessionCache interface {
	Get(id string) (*Session, error)
	Count() int
	Close()
}

// SessionLoaderFunc constructs a new Session for a partition id on a cache
// miss.
type SessionLoaderFunc func(id string) (*Session, error)

var _ SessionCache = (*boundedSessionCache)(nil)

// boundedSessionCache backs SessionCache with a goburrow/cache LoadingCache,
// evicting by size (SessionCacheMaxSize) and by idle time
// (SessionCacheExpire).
type boundedSessionCache struct {
	inner gocache.LoadingCache
}

// NewSessionCache builds a SessionCache using loader to populate misses and
// policy's SessionCacheMaxSize/SessionCacheExpire to bound it.
func NewSessionCache(loader SessionLoaderFunc, policy *CryptoPolicy) SessionCache {
	wrapped := sharingLoader(loader)

	return &boundedSessionCache{
		inner: gocache.NewLoadingCache(
			func(k gocache.Key) (gocache.Value, error) {
				return wrapped(k.(string))
			},
			gocache.WithMaximumSize(policy.SessionCacheMaxSize),
			gocache.WithExpireAfterAccess(policy.SessionCacheExpire),
			gocache.WithRemovalListener(sessionRemovalListener),
		),
	}
}

// sharingLoader wraps loader so every Session it returns has its Encryption
// replaced by a sharedEncryption reference-counting wrapper, unless it
// already is one.
func sharingLoader(loader SessionLoaderFunc) SessionLoaderFunc {
	return func(id string) (*Session, error) {
		s, err := loader(id)
		if err != nil {
			return nil, err
		}

		if _, ok := s.encryption.(*sharedEncryption); !ok {
			mu := new(sync.Mutex)
			injectEncryption(s, &sharedEncryption{
				Encryption: s.encryption,
				mu:         mu,
				cond:       sync.NewCond(mu),
			})
		}

		return s, nil
	}
}

func sessionRemovalListener(_ gocache.Key, v gocache.Value) {
	go v.(*Session).encryption.(*sharedEncryption).release()
}

func (c *boundedSessionCache) Get(id string) (*Session, error) {
	val, err := c.inner.Get(id)
	if err != nil {
		return nil, err
	}

	s, ok := val.(*Session)
	if !ok {
		panic("session cache: unexpected value type")
	}

	s.encryption.(*sharedEncryption).acquire()

	return s, nil
}

func (c *boundedSessionCache) Count() int {
	stats := &gocache.Stats{}
	c.inner.Stats(stats)

	return int(stats.LoadSuccessCount - stats.EvictionCount)
}

func (c *boundedSessionCache) Close() {
	c.inner.Close()
}

var _ Encryption = (*sharedEncryption)(nil)

// sharedEncryption reference-counts concurrent users of one underlying
// Encryption so a Session evicted from the cache while still in use by a
// caller isn't closed out from under them: Close only forwards to the
// wrapped Encryption once the last acquirer has released it.
type sharedEncryption struct {
	Encryption

	mu      *sync.Mutex
	cond    *sync.Cond
	count   int
	evicted bool
}

func (s *sharedEncryption) acquire() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

// Close is called once per caller that acquired this Session via
// SessionCache.Get. It decrements the usage count rather than closing the
// wrapped Encryption directly.
func (s *sharedEncryption) Close() error {
	s.mu.Lock()
	s.count--
	done := s.count == 0 && s.evicted
	s.mu.Unlock()

	if done {
		s.cond.Broadcast()
	}

	return nil
}

// release is invoked once, by the cache's removal listener, when this
// Session is evicted. It blocks until every acquirer still holding a
// reference has called Close, then closes the wrapped Encryption for real.
func (s *sharedEncryption) release() {
	s.mu.Lock()
	s.evicted = true

	for s.count > 0 {
		s.cond.Wait()
	}

	s.mu.Unlock()

	s.Encryption.Close()
}
