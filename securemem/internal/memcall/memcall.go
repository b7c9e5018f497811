// Package memcall wraps the low-level mmap/mlock/mprotect primitives used by
// the native secure-heap engine, behind an interface so tests can substitute
// a fake implementation without touching real OS memory protection.
package memcall

import "github.com/awnumar/memcall"

// MemoryProtectionFlag selects the access mode passed to Protect.
type MemoryProtectionFlag = memcall.MemoryProtectionFlag

// NoAccess marks memory unreadable and immutable.
func NoAccess() MemoryProtectionFlag { return memcall.NoAccess() }

// ReadOnly marks memory readable but immutable.
func ReadOnly() MemoryProtectionFlag { return memcall.ReadOnly() }

// ReadWrite marks memory readable and writable.
func ReadWrite() MemoryProtectionFlag { return memcall.ReadWrite() }

// Interface abstracts the memcall syscalls needed by a secure-heap engine.
type Interface interface {
	Alloc(size int) ([]byte, error)
	Free([]byte) error
	Protect([]byte, MemoryProtectionFlag) error
	Lock([]byte) error
	Unlock([]byte) error
}

// Default wraps the real memcall package.
var Default Interface = wrapper{}

type wrapper struct{}

func (wrapper) Alloc(size int) ([]byte, error) { return memcall.Alloc(size) }

func (wrapper) Protect(b []byte, f MemoryProtectionFlag) error { return memcall.Protect(b, f) }

func (wrapper) Lock(b []byte) error { return memcall.Lock(b) }

func (wrapper) Unlock(b []byte) error { return memcall.Unlock(b) }

func (wrapper) Free(b []byte) error { return memcall.Free(b) }

// Clean best-effort unlocks and frees b, returning the first error
// encountered, if any. Used when cleaning up a partially-initialized
// allocation after a later step fails.
func Clean(mc Interface, b []byte) error {
	err := mc.Unlock(b)

	if ferr := mc.Free(b); err == nil {
		err = ferr
	}

	return err
}
