package securemem

import (
	// Importing core triggers memguard's process-wide hardening: core dumps
	// are disabled and an interrupt handler is installed to wipe live
	// secrets before exit. This is a one-time, idempotent, process-global
	// side effect and is the only global mutable state either secure-heap
	// engine depends on.
	_ "github.com/awnumar/memguard/core"
	"github.com/pkg/errors"
)

// Engine names accepted by NewFactory, matching CryptoPolicy's
// secure_heap_engine configuration value.
const (
	EngineNative    = "native"
	EngineEncrypted = "encrypted-buffer"
)

// engines maps each engine name to its Factory constructor. Engines register
// themselves here at init time so this package doesn't need to import the
// engine packages directly (which would create an import cycle, since the
// engines import securemem for its interfaces and error types).
var engines = map[string]func() Factory{}

// RegisterEngine makes a secure-heap engine available under name for
// NewFactory to construct. Called from the nativemem/encryptedmem package
// init functions.
func RegisterEngine(name string, ctor func() Factory) {
	engines[name] = ctor
}

// NewFactory returns a Factory for the named secure-heap engine. Unknown
// names fail fast with ErrUnknownEngine.
func NewFactory(engine string) (Factory, error) {
	ctor, ok := engines[engine]
	if !ok {
		return nil, errors.WithMessage(ErrUnknownEngine, engine)
	}

	return ctor(), nil
}
