// Package zlog provides the process-wide structured logger used by the
// server and middleware packages. It wraps zap so call sites can log without
// threading a logger through every constructor.
package zlog

import "go.uber.org/zap"

var base = mustBuild()

func mustBuild() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		// Should never happen with the production preset; fall back to a
		// no-op logger rather than panicking on import.
		return zap.NewNop()
	}
	return logger
}

// L returns the package-wide sugared logger.
func L() *zap.SugaredLogger {
	return base.Sugar()
}

// Named returns a sugared logger scoped to the given component name, e.g.
// zlog.Named("transport.pool").
func Named(name string) *zap.SugaredLogger {
	return base.Named(name).Sugar()
}

// Replace swaps the base logger used by later calls to L and Named.
// Loggers already obtained from Named, such as the package-level ones in
// server and middleware, keep logging through the previous base.
func Replace(logger *zap.Logger) {
	base = logger
}
