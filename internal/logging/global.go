package logging

import "sync/atomic"

// The process-wide logger backs components constructed without one and the
// package-level helpers below. cmd/lsmttld replaces it at startup.
var global atomic.Pointer[Logger]

func init() {
	global.Store(DefaultLogger())
}

// SetGlobal swaps the process-wide logger. A nil l is ignored.
func SetGlobal(l *Logger) {
	if l != nil {
		global.Store(l)
	}
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global.Load()
}

func Debugf(msg string, fields map[string]any) { Global().Debugf(msg, fields) }
func Infof(msg string, fields map[string]any)  { Global().Infof(msg, fields) }
func Warnf(msg string, fields map[string]any)  { Global().Warnf(msg, fields) }
func Errorf(msg string, fields map[string]any) { Global().Errorf(msg, fields) }
