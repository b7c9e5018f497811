// Package securemem contains sensitive key material in memory that has been
// hardened against accidental disclosure: pages are kept unreadable except
// during a scoped access, core dumps are disabled for the process, and the
// backing storage is wiped and released on Close.
//
// Two engines are provided: nativemem, which relies on mlock/mprotect and is
// the default on platforms that support it, and encryptedmem, a software-only
// fallback that keeps secrets encrypted at rest under a per-process ephemeral
// key when the OS primitives aren't available.
package securemem

import (
	"io"

	metrics "github.com/rcrowley/go-metrics"
)

var (
	// AllocCounter tracks cumulative Secret allocations across the process.
	// Unlike InUseCounter it never decreases.
	AllocCounter = metrics.GetOrRegisterCounter("secret.allocated", nil)

	// InUseCounter tracks the number of Secret instances currently allocated
	// and not yet closed.
	InUseCounter = metrics.GetOrRegisterCounter("secret.inuse", nil)
)

// Secret holds sensitive bytes in a protected memory region. The region is
// kept inaccessible except during the scope of a WithBytes/WithBytesFunc
// call. Always Close a Secret once it's no longer needed; otherwise its
// backing memory (which may be mlock'd) is never released.
type Secret interface {
	// WithBytes makes the underlying bytes readable for the duration of
	// action and passes them in. The slice MUST NOT be retained past the
	// call to action - the backing memory is made inaccessible again as soon
	// as action returns.
	//
	// WithBytes on a closed Secret returns ErrAlreadyClosed.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc is WithBytes for callers that need to produce a new byte
	// slice derived from the secret bytes, e.g. the result of decrypting
	// something under them.
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether Close has already completed for this Secret.
	IsClosed() bool

	// Close wipes and releases the underlying memory. Close is idempotent
	// and blocks until any in-flight WithBytes/WithBytesFunc calls finish.
	Close() error

	// NewReader returns an io.Reader streaming the secret's bytes; each Read
	// call takes a fresh WithBytes scope.
	NewReader() io.Reader
}

// Factory creates Secret instances using whichever secure-heap engine it was
// built with.
type Factory interface {
	// New copies b into a new Secret and wipes b before returning.
	New(b []byte) (Secret, error)

	// CreateRandom returns a new Secret of the given length filled from a
	// CSPRNG.
	CreateRandom(size int) (Secret, error)
}
