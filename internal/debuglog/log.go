package debuglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff // Disables all logging
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "OFF":
		return LevelOff
	default:
		return LevelInfo
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Output selects where log lines go. An empty File means stderr. Files
// are rotated by lumberjack; zero rotation values fall back to defaults.
type Output struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu           sync.RWMutex
	currentLevel = LevelOff
	atomicLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar        = zap.NewNop().Sugar()
	closer       io.Closer
)

// Setup configures the logging system with the specified level and output.
func Setup(level LogLevel, out Output) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	currentLevel = level

	if level == LevelOff {
		sugar = zap.NewNop().Sugar()
		return nil
	}
	atomicLevel.SetLevel(level.zapLevel())

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if out.File != "" {
		if err := os.MkdirAll(filepath.Dir(out.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   out.File,
			MaxSize:    orDefault(out.MaxSizeMB, 16),
			MaxBackups: orDefault(out.MaxBackups, 3),
			MaxAge:     orDefault(out.MaxAgeDays, 14),
			Compress:   true,
		}
		closer = rotator
		sink = zapcore.AddSync(rotator)
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		MessageKey:     "M",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), sink, atomicLevel)
	sugar = zap.New(core).Named("rssreader").Sugar()
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SetLevel changes the current logging level. Raising the level from OFF
// requires a Setup call first.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	if level != LevelOff {
		atomicLevel.SetLevel(level.zapLevel())
	}
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// Close flushes buffered lines and closes the log file if open
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeLocked()
	sugar = zap.NewNop().Sugar()
	currentLevel = LevelOff
	return err
}

func closeLocked() error {
	_ = sugar.Sync()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

func logger() (*zap.SugaredLogger, LogLevel) {
	mu.RLock()
	defer mu.RUnlock()
	return sugar, currentLevel
}

func logf(level LogLevel, fields []any, format string, args ...any) {
	l, current := logger()
	if current == LevelOff || level < current {
		return
	}
	if len(fields) > 0 {
		l = l.With(fields...)
	}
	switch level {
	case LevelDebug:
		l.Debugf(format, args...)
	case LevelInfo:
		l.Infof(format, args...)
	case LevelWarn:
		l.Warnf(format, args...)
	default:
		l.Errorf(format, args...)
	}
}

func Debugf(format string, args ...any) {
	logf(LevelDebug, nil, format, args...)
}

func Infof(format string, args ...any) {
	logf(LevelInfo, nil, format, args...)
}

func Warnf(format string, args ...any) {
	logf(LevelWarn, nil, format, args...)
}

func Errorf(format string, args ...any) {
	logf(LevelError, nil, format, args...)
}

// FieldLogger attaches key-value fields to every line it writes.
type FieldLogger struct {
	fields []any
}

// WithFields returns a new logger with the specified fields. Keys are
// emitted in sorted order.
func WithFields(fields map[string]any) *FieldLogger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]any, 0, 2*len(fields))
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return &FieldLogger{fields: kv}
}

// With returns a copy of fl with one more field.
func (fl *FieldLogger) With(key string, value any) *FieldLogger {
	kv := make([]any, len(fl.fields), len(fl.fields)+2)
	copy(kv, fl.fields)
	return &FieldLogger{fields: append(kv, key, value)}
}

func (fl *FieldLogger) Debugf(format string, args ...any) {
	logf(LevelDebug, fl.fields, format, args...)
}

func (fl *FieldLogger) Infof(format string, args ...any) {
	logf(LevelInfo, fl.fields, format, args...)
}

func (fl *FieldLogger) Warnf(format string, args ...any) {
	logf(LevelWarn, fl.fields, format, args...)
}

func (fl *FieldLogger) Errorf(format string, args ...any) {
	logf(LevelError, fl.fields, format, args...)
}
