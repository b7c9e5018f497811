// Package nativemem implements the native secure-heap engine: secrets are
// backed by mmap'd, mlock'd pages that are kept mprotect'd to PROT_NONE
// except during a scoped access, and are wiped with core.Wipe before being
// munlock'd and freed.
package nativemem

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard/core"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ringvault/ringvault/pkg/log"
	"github.com/ringvault/ringvault/securemem"
	"github.com/ringvault/ringvault/securemem/internal/memcall"
	"github.com/ringvault/ringvault/securemem/internal/reader"
)

// AllocTimer records time spent allocating a secret via this engine.
var AllocTimer = metrics.GetOrRegisterTimer("secret.nativemem.alloctimer", nil)

func init() {
	securemem.RegisterEngine(securemem.EngineNative, func() securemem.Factory {
		return new(Factory)
	})
}

// secretState is the part of secret that must survive independent of the
// exported handle so a finalizer can close it without keeping the handle
// itself reachable.
type secretState struct {
	bytes []byte
	mc    memcall.Interface

	rw   sync.RWMutex
	cond *sync.Cond

	closing bool
	closed  bool
	access  int
}

// secret is a nativemem-backed securemem.Secret.
type secret struct {
	*secretState
	// finalizerTarget exists solely so a finalizer can be attached without
	// the secret ever holding a reference to itself.
	finalizerTarget *byte
}

func (s *secretState) access_() (err error) {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing || s.closed {
		return errors.WithStack(securemem.ErrAlreadyClosed)
	}

	if s.access == 0 {
		if err := s.mc.Protect(s.bytes, memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as read-only")
		}
	}
	s.access++

	return nil
}

func (s *secretState) release() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	defer s.cond.Broadcast()

	s.access--
	if s.access == 0 {
		if err := s.mc.Protect(s.bytes, memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as no-access")
		}
	}

	return nil
}

// WithBytes implements securemem.Secret.
func (s *secret) WithBytes(action func([]byte) error) (err error) {
	if err = s.access_(); err != nil {
		return err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.bytes)
}

// WithBytesFunc implements securemem.Secret.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.access_(); err != nil {
		return nil, err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.bytes)
}

// IsClosed implements securemem.Secret.
func (s *secret) IsClosed() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return s.closed
}

// NewReader implements securemem.Secret.
func (s *secret) NewReader() io.Reader {
	return reader.New(s)
}

// Close implements securemem.Secret. It blocks until any in-flight accessors
// release the region, then wipes and frees it. Close is idempotent.
func (s *secretState) Close() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.closing = true

	for {
		if s.closed {
			return nil
		}

		if s.access == 0 {
			return s.finish()
		}

		s.cond.Wait()
	}
}

func (s *secretState) finish() error {
	if err := s.mc.Protect(s.bytes, memcall.ReadWrite()); err != nil {
		return err
	}

	core.Wipe(s.bytes)

	if err := s.mc.Unlock(s.bytes); err != nil {
		return err
	}

	if err := s.mc.Free(s.bytes); err != nil {
		return err
	}

	s.bytes = nil
	s.closed = true

	securemem.InUseCounter.Dec(1)

	return nil
}

func (s *secretState) finalize() {
	s.rw.Lock()
	closing := s.closing
	s.rw.Unlock()

	if !closing {
		log.Debugf("nativemem: secret finalized before Close was called: %p\n", s)
	}

	s.Close()
}

// Factory creates nativemem-backed Secrets.
type Factory struct {
	mc memcall.Interface
}

func (f *Factory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New implements securemem.Factory.
func (f *Factory) New(b []byte) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	st, err := f.allocate(len(b))
	if err != nil {
		return nil, err
	}

	subtle.ConstantTimeCopy(1, st.bytes, b)
	core.Wipe(b)

	if err := f.protectNoAccess(st); err != nil {
		return nil, err
	}

	return f.wrap(st), nil
}

// CreateRandom implements securemem.Factory.
func (f *Factory) CreateRandom(size int) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	st, err := f.allocate(size)
	if err != nil {
		return nil, err
	}

	if _, err := rand.Read(st.bytes); err != nil {
		if cerr := memcall.Clean(f.memcall(), st.bytes); cerr != nil {
			err = errors.Wrap(err, cerr.Error())
		}

		return nil, err
	}

	if err := f.protectNoAccess(st); err != nil {
		return nil, err
	}

	return f.wrap(st), nil
}

func (f *Factory) allocate(size int) (*secretState, error) {
	if size < 1 {
		return nil, errors.New("invalid secret length")
	}

	mc := f.memcall()

	b, err := mc.Alloc(size)
	if err != nil {
		return nil, errors.WithMessage(securemem.ErrSecureMemoryAllocationFailed, err.Error())
	}

	if err := mc.Lock(b); err != nil {
		if ferr := mc.Free(b); ferr != nil {
			err = errors.Wrap(err, ferr.Error())
		}

		return nil, errors.WithMessage(securemem.ErrMemoryLimit, err.Error())
	}

	st := &secretState{
		bytes: b,
		mc:    mc,
	}
	st.cond = sync.NewCond(&st.rw)

	return st, nil
}

func (f *Factory) protectNoAccess(st *secretState) error {
	if err := f.memcall().Protect(st.bytes, memcall.NoAccess()); err != nil {
		if cerr := memcall.Clean(f.memcall(), st.bytes); cerr != nil {
			err = errors.Wrap(err, cerr.Error())
		}

		return errors.WithMessage(securemem.ErrSecureMemoryProtection, err.Error())
	}

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	return nil
}

func (f *Factory) wrap(st *secretState) *secret {
	s := &secret{
		secretState:     st,
		finalizerTarget: new(byte),
	}

	runtime.SetFinalizer(s.finalizerTarget, func(*byte) {
		go st.finalize()
	})

	return s
}

func (s *secret) String() string {
	return fmt.Sprintf("nativemem.secret(%p)", s)
}
