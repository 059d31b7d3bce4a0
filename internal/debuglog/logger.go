// Package debuglog is the process-wide logger. Everything goes through zap;
// debug output is enabled with MESHVPN_DEBUG=1 or Options.Debug.
package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Debug bool
	// File enables rotated file output instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type limited struct {
	lim  *rate.Limiter
	last time.Time
}

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(defaultLevel())
	global = newLogger(zapcore.Lock(os.Stderr))

	rlMu    sync.Mutex
	rlKeys  = make(map[string]*limited)
	rlSweep = time.Now()
)

func defaultLevel() zapcore.Level {
	if os.Getenv("MESHVPN_DEBUG") == "1" {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func newLogger(ws zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), ws, level)
	return zap.New(core)
}

// Configure replaces the global logger.
func Configure(opts Options) {
	if opts.Debug {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(defaultLevel())
	}
	ws := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
	}
	SetLogger(newLogger(ws))
}

// SetLogger swaps the global logger, mostly for tests.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Named returns a logger for one component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

func DebugEnabled() bool {
	return L().Core().Enabled(zapcore.DebugLevel)
}

func Sync() error {
	return L().Sync()
}

func Logf(format string, args ...any) {
	L().Sugar().Infof(format, args...)
}

func Debugf(format string, args ...any) {
	L().Sugar().Debugf(format, args...)
}

// RateLimitedf logs at debug level at most once per interval for each key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" || !DebugEnabled() {
		return
	}
	now := time.Now()
	rlMu.Lock()
	ent, ok := rlKeys[key]
	if !ok {
		ent = &limited{lim: rate.NewLimiter(rate.Every(interval), 1)}
		rlKeys[key] = ent
	}
	ent.last = now
	allowed := ent.lim.AllowN(now, 1)
	if now.Sub(rlSweep) > 2*interval {
		for k, e := range rlKeys {
			if now.Sub(e.last) > 4*interval {
				delete(rlKeys, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	if allowed {
		Debugf(format, args...)
	}
}
