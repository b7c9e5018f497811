// Package log provides a minimal debug-level logging seam used across the
// ringvault packages. Logging is disabled by default; call SetLogger to
// route debug output somewhere, e.g. your application's structured logger.
package log

var logger Interface = noopLogger{}

// Interface is implemented by anything that can sink a formatted debug line.
type Interface interface {
	Debugf(format string, v ...interface{})
}

// SetLogger installs l as the destination for Debugf calls and enables
// debug-level logging.
func SetLogger(l Interface) {
	if l == nil {
		logger = noopLogger{}
		return
	}

	logger = l
}

// Debugf writes a formatted debug line to the configured logger, if any.
func Debugf(format string, v ...interface{}) {
	logger.Debugf(format, v...)
}

// DebugEnabled reports whether a non-default logger has been installed.
func DebugEnabled() bool {
	_, isNoop := logger.(noopLogger)
	return !isNoop
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}

// Func adapts a plain function (e.g. log.Printf) to the Interface.
type Func func(format string, v ...interface{})

func (f Func) Debugf(format string, v ...interface{}) { f(format, v...) }
