// Package log provides the shared, leveled logger used across css-flood.
//
// All output that is not part of a JSON report goes through this package, so
// that worker processes can keep their stdout channel clean for the message
// protocol (log output always goes to stderr).
package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a module-named leveled logger.
type Logger struct {
	module string
	zl     *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	level   = zapcore.InfoLevel
	loggers []*Logger
)

// New returns a logger for the given module name.
func New(module string) *Logger {
	mu.Lock()
	defer mu.Unlock()

	l := &Logger{
		module: module,
		zl:     newZap(module, level),
	}
	loggers = append(loggers, l)
	return l
}

// SetLevel changes the level of all loggers, current and future.
// Unknown level strings fall back to "info".
func SetLevel(lvl string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(lvl) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	for _, l := range loggers {
		l.zl = newZap(l.module, level)
	}
}

func newZap(module string, lvl zapcore.Level) *zap.SugaredLogger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	return zap.New(core).Named(module).Sugar()
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debugf(format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.zl.Infof(format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.zl.Warnf(format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Errorf(format, args...) }
