package dynso

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	nop    = zap.NewNop()
	logger atomic.Pointer[zap.Logger]
)

// Logger returns the package logger, a no-op logger unless SetLogger was called.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return nop
}

// SetLogger configures the package logger, nil restores the no-op logger.
// Reloaders and watchers created earlier keep the logger they started with.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}
