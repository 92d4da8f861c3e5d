// Package rtmplog provides the single structured logger every component in
// this module logs through.
package rtmplog

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.SugaredLogger with the handful of helpers the rest of
// the module calls. It exists so session/broker/control code never imports
// zap directly and so tests can swap in a no-op logger.
type Logger struct {
	s *zap.SugaredLogger
}

var (
	debugEnabled   = os.Getenv("LOG_DEBUG") == "YES"
	requestEnabled = os.Getenv("LOG_REQUESTS") != "NO"
)

// New builds the process-wide logger. Level is derived from LOG_DEBUG so the
// behavior matches the teacher's env-gated debug logging.
func New() *Logger {
	level := zapcore.InfoLevel
	if debugEnabled {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		// Fall back to a bare development logger rather than failing startup
		// over a logging misconfiguration.
		l = zap.NewExample()
	}

	return &Logger{s: l.Sugar()}
}

// Nop returns a logger that discards everything, for use in tests.
func Nop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

func (l *Logger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

func (l *Logger) Error(err error, kv ...interface{}) {
	l.s.Errorw(err.Error(), kv...)
}

// Request logs an RTMP request/command line, gated by LOG_REQUESTS the same
// way the teacher's LogRequest was.
func (l *Logger) Request(sessionID uint64, ip, line string) {
	if !requestEnabled {
		return
	}
	l.s.Infow(line, "session", strconv.FormatUint(sessionID, 10), "ip", ip, "kind", "request")
}

// DebugSession logs a debug line scoped to one session, matching the
// teacher's LogDebugSession.
func (l *Logger) DebugSession(sessionID uint64, ip, line string) {
	if !debugEnabled {
		return
	}
	l.s.Debugw(line, "session", strconv.FormatUint(sessionID, 10), "ip", ip)
}

func (l *Logger) Sync() {
	_ = l.s.Sync()
}
