package ringvault

import "sync/atomic"

// NotifyKind categorizes why a Notifier was invoked.
type NotifyKind int

const (
	// NotifyExpiredSystemKeyRead fires when a read path decrypts a
	// DataRowRecord whose chain passes through an expired (but still
	// decryptable, since expiry lags revocation) SK, or when a write under
	// RotationQueued loads an expired SK as the latest one.
	NotifyExpiredSystemKeyRead NotifyKind = iota

	// NotifyExpiredIntermediateKeyRead is NotifyExpiredSystemKeyRead's IK
	// counterpart.
	NotifyExpiredIntermediateKeyRead
)

func (k NotifyKind) String() string {
	switch k {
	case NotifyExpiredSystemKeyRead:
		return "expired-system-key-read"
	case NotifyExpiredIntermediateKeyRead:
		return "expired-intermediate-key-read"
	default:
		return "unknown"
	}
}

// Notifier receives a best-effort callback describing noteworthy key events,
// i.e. the use of an expired key (see NotifyKind). notify dispatches each
// call on its own goroutine, so a slow Notifier never blocks the hot path, but implementations
// still shouldn't assume ordering between calls.
type Notifier interface {
	Notify(meta KeyMeta, kind NotifyKind)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(meta KeyMeta, kind NotifyKind)

func (f NotifierFunc) Notify(meta KeyMeta, kind NotifyKind) { f(meta, kind) }

var currentNotifier atomic.Value // stores Notifier

func init() {
	currentNotifier.Store(Notifier(NotifierFunc(func(KeyMeta, NotifyKind) {})))
}

// SetNotifier installs n as the process-wide Notifier. Passing nil restores
// the no-op default.
func SetNotifier(n Notifier) {
	if n == nil {
		n = NotifierFunc(func(KeyMeta, NotifyKind) {})
	}

	currentNotifier.Store(n)
}

func notify(meta KeyMeta, kind NotifyKind) {
	go currentNotifier.Load().(Notifier).Notify(meta, kind)
}
