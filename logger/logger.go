// Package logger implements an interface behind which a third party, levelled
// logger can sit. This abstraction allows us to readily swap out the logger
// used and to pass it down throughout the warp program without changing
// the logger being a massive task.
//
// The engine packages take a Logger so that the library is silent by default
// (Noop) and chatty under the CLI's --verbose flag (zap).
package logger

import "go.uber.org/zap"

// Logger is the interface behind which a levelled logger can sit.
type Logger interface {
	// Sync flushes the logs to stderr
	Sync() error
	// Debug outputs a debug level log line
	Debug(format string, args ...any)
	// Info outputs an info level log line
	Info(format string, args ...any)
	// Warn outputs a warning level log line
	Warn(format string, args ...any)
}

// ZapLogger is a Logger that uses zap under the hood.
type ZapLogger struct {
	inner *zap.SugaredLogger
}

// NewZapLogger builds and returns a ZapLogger.
func NewZapLogger(verbose bool) (*ZapLogger, error) {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.DisableCaller = true
	logger, err := cfg.Build(zap.IncreaseLevel(level))
	if err != nil {
		return nil, err
	}
	sugar := logger.Sugar()

	return &ZapLogger{inner: sugar}, nil
}

// Sync flushes the logs.
func (z *ZapLogger) Sync() error {
	return z.inner.Sync()
}

// Debug outputs a debug level log line, a newline is automatically added.
func (z *ZapLogger) Debug(format string, args ...any) {
	z.inner.Debugf(format, args...)
}

// Info outputs an info level log line, a newline is automatically added.
func (z *ZapLogger) Info(format string, args ...any) {
	z.inner.Infof(format, args...)
}

// Warn outputs a warning level log line, a newline is automatically added.
func (z *ZapLogger) Warn(format string, args ...any) {
	z.inner.Warnf(format, args...)
}

// Noop is a Logger that does nothing, it is the default for library use
// so that importing packages don't have to wire up zap to stay quiet.
type Noop struct{}

// Sync implements Logger for Noop.
func (n Noop) Sync() error { return nil }

// Debug implements Logger for Noop.
func (n Noop) Debug(format string, args ...any) {}

// Info implements Logger for Noop.
func (n Noop) Info(format string, args ...any) {}

// Warn implements Logger for Noop.
func (n Noop) Warn(format string, args ...any) {}
