// Package gzlog provides structured logging for the loader using zap.
package gzlog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loader-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance, set by Init.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger. Safe to call multiple times;
// only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger, for use when the host passes no logger.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// PathResolved logs a successful or failed path-resolution attempt.
func (l *Logger) PathResolved(soname, result string, ok bool) {
	l.Debug("path resolve",
		zap.String("soname", soname),
		zap.String("result", result),
		zap.Bool("ok", ok),
	)
}

// RelocationSkipped logs a relocation the engine could not apply.
func (l *Logger) RelocationSkipped(relType uint32, symName string, reason string) {
	l.Debug("relocation skipped",
		zap.Uint32("type", relType),
		zap.String("sym", symName),
		zap.String("reason", reason),
	)
}

// PLTInstalled logs installation of the lazy-binding trampoline for an image.
func (l *Logger) PLTInstalled(name string, slots int) {
	l.Debug("plt installed",
		zap.String("obj", name),
		zap.Int("slots", slots),
	)
}

// ThunkInstalled logs fabrication of a dl-API thunk.
func (l *Logger) ThunkInstalled(name string, addr uint64) {
	l.Debug("dl thunk installed",
		zap.String("fn", name),
		zap.String("addr", Hex(addr)),
	)
}

// Hex formats a uint64 as a hex string for logging.
func Hex(addr uint64) string {
	const digits = "0123456789abcdef"
	if addr == 0 {
		return "0x0"
	}
	buf := make([]byte, 18)
	i := len(buf)
	v := addr
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}
