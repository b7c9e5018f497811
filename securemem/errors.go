package securemem

import "github.com/pkg/errors"

// Sentinel errors surfaced by the secure-heap engines. Wrap these with
// errors.Wrap/errors.WithMessage for additional context; check with
// errors.Is against the base error returned by errors.Cause.
var (
	// ErrAlreadyClosed is returned by any operation attempted on a Secret
	// after Close has completed.
	ErrAlreadyClosed = errors.New("secret has already been closed")

	// ErrSecureMemoryAllocationFailed indicates the engine could not obtain
	// memory for a new Secret.
	ErrSecureMemoryAllocationFailed = errors.New("secure memory allocation failed")

	// ErrMemoryLimit indicates the process's lockable-memory rlimit (or
	// equivalent) was exceeded while allocating a Secret.
	ErrMemoryLimit = errors.New("secure memory limit exceeded")

	// ErrSecureMemoryProtection indicates the post-allocation mprotect
	// syscall failed. The partially-initialized region is freed before this
	// error is surfaced. (An mlock failure is reported as ErrMemoryLimit.)
	ErrSecureMemoryProtection = errors.New("secure memory protection failed")

	// ErrUnknownEngine is returned by NewFactory when given a secure-heap
	// engine name it doesn't recognize.
	ErrUnknownEngine = errors.New("unknown secure heap engine")
)
