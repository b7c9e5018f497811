// Package encryptedmem implements the software-only secure-heap engine for
// platforms that lack mlock/mprotect (or an operator that simply prefers not
// to use them). Instead of relying on page protection, secret bytes are kept
// sealed inside a memguard Enclave - encrypted at rest under a per-process
// ephemeral key - and are only decrypted into a short-lived LockedBuffer for
// the duration of a WithBytes/WithBytesFunc scope, which is itself wiped and
// destroyed before the enclave is resealed.
package encryptedmem

import (
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ringvault/ringvault/securemem"
	"github.com/ringvault/ringvault/securemem/internal/reader"
)

// AllocTimer records time spent sealing a secret into an enclave.
var AllocTimer = metrics.GetOrRegisterTimer("secret.encryptedmem.alloctimer", nil)

func init() {
	securemem.RegisterEngine(securemem.EngineEncrypted, func() securemem.Factory {
		return new(Factory)
	})
}

// secret is an encryptedmem-backed securemem.Secret.
type secret struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
	size    int
	closed  bool
}

// Factory creates encryptedmem-backed Secrets.
type Factory struct{}

// New implements securemem.Factory. b is sealed into a new enclave and wiped.
func (f *Factory) New(b []byte) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	size := len(b)
	if size < 1 {
		return nil, errors.New("invalid secret length")
	}

	buf := memguard.NewBufferFromBytes(b)
	if !buf.IsAlive() {
		return nil, errors.WithStack(securemem.ErrSecureMemoryAllocationFailed)
	}

	enclave := buf.Seal()

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	return &secret{enclave: enclave, size: size}, nil
}

// CreateRandom implements securemem.Factory.
func (f *Factory) CreateRandom(size int) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	if size < 1 {
		return nil, errors.New("invalid secret length")
	}

	buf := memguard.NewBufferRandom(size)
	if !buf.IsAlive() {
		return nil, errors.WithStack(securemem.ErrSecureMemoryAllocationFailed)
	}

	enclave := buf.Seal()

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	return &secret{enclave: enclave, size: size}, nil
}

// WithBytes implements securemem.Secret: it opens the enclave into a
// transient LockedBuffer, invokes action, then destroys the buffer and
// reseals the (possibly unmodified) contents back into the enclave.
func (s *secret) WithBytes(action func([]byte) error) error {
	_, err := s.withBuffer(func(buf *memguard.LockedBuffer) ([]byte, error) {
		return nil, action(buf.Bytes())
	})

	return err
}

// WithBytesFunc implements securemem.Secret.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return s.withBuffer(func(buf *memguard.LockedBuffer) ([]byte, error) {
		return action(buf.Bytes())
	})
}

func (s *secret) withBuffer(action func(*memguard.LockedBuffer) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.WithStack(securemem.ErrAlreadyClosed)
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return nil, errors.WithMessage(err, "unable to open enclave")
	}

	ret, actionErr := action(buf)

	// Reseal whatever is now in buf (action may have mutated it in place via
	// WithBytes semantics) so subsequent scopes observe the same contents.
	s.enclave = buf.Seal()

	return ret, actionErr
}

// IsClosed implements securemem.Secret.
func (s *secret) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Close implements securemem.Secret. Idempotent.
func (s *secret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	// Opening and immediately destroying forces memguard to wipe the
	// plaintext that was sealed in the enclave rather than just dropping our
	// reference to the ciphertext.
	if buf, err := s.enclave.Open(); err == nil {
		buf.Destroy()
	}

	s.enclave = nil
	s.closed = true

	securemem.InUseCounter.Dec(1)

	return nil
}

// NewReader implements securemem.Secret.
func (s *secret) NewReader() io.Reader {
	return reader.New(s)
}
