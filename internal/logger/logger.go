package logger

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper around zap.Logger
type Logger struct {
	logger *zap.Logger
}

// Field holds a key-value pair written to the log
type Field struct {
	Key   string
	Value any
}

// NewField returns a Field with the given key and value
func NewField(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Level is the minimum severity written
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zapLevel() zapcore.Level {
	switch Level(strings.ToLower(string(l))) {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// New builds a production JSON logger writing to the given output paths
func New(level Level, outputPaths ...string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	if len(outputPaths) > 0 {
		cfg.OutputPaths = outputPaths
	}
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{logger: zl}, nil
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{logger: zap.NewNop()}
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.logger.Sync()
}

// With returns a child logger carrying the given fields
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{logger: l.logger.With(convert(fields)...)}
}

func (l *Logger) Debug(message string, fields ...Field) {
	l.logger.Debug(message, convert(fields)...)
}

func (l *Logger) Info(message string, fields ...Field) {
	l.logger.Info(message, convert(fields)...)
}

func (l *Logger) Warn(message string, fields ...Field) {
	l.logger.Warn(message, convert(fields)...)
}

// Error logs err at error level, using its stack trace when one was recorded
func (l *Logger) Error(err error, fields ...Field) {
	ce := l.logger.Check(zapcore.ErrorLevel, err.Error())
	if ce == nil {
		return
	}
	var st stackTracer
	if errors.As(err, &st) {
		ce.Stack = strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	ce.Write(convert(fields)...)
}

// DebugContext logs at debug level with the request id from ctx
func (l *Logger) DebugContext(ctx context.Context, message string, fields ...Field) {
	l.Debug(message, withRequestID(ctx, fields)...)
}

// InfoContext logs at info level with the request id from ctx
func (l *Logger) InfoContext(ctx context.Context, message string, fields ...Field) {
	l.Info(message, withRequestID(ctx, fields)...)
}

// WarnContext logs at warn level with the request id from ctx
func (l *Logger) WarnContext(ctx context.Context, message string, fields ...Field) {
	l.Warn(message, withRequestID(ctx, fields)...)
}

// ErrorContext logs err with the request id from ctx
func (l *Logger) ErrorContext(ctx context.Context, err error, fields ...Field) {
	l.Error(err, withRequestID(ctx, fields)...)
}

func convert(fields []Field) []zapcore.Field {
	zf := make([]zapcore.Field, 0, len(fields))
	for _, f := range fields {
		zf = append(zf, zap.Any(f.Key, f.Value))
	}
	return zf
}

func withRequestID(ctx context.Context, fields []Field) []Field {
	if id := middleware.GetReqID(ctx); id != "" {
		return append(fields, NewField("request_id", id))
	}
	return fields
}
