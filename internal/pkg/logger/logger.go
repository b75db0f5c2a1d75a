// Package logger builds the zap loggers used across churnwatch and carries the
// request correlation helpers used by the HTTP middleware.
// No PII is logged; customer_id and request_id give traceability.
package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const RequestIDKey contextKey = "request_id"

// Options configures New.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	FilePath   string // empty logs to stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a zap logger. When FilePath is set, output is teed to a
// lumberjack-rotated file in addition to stderr.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		var err error
		level, err = zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %s: %w", opts.Level, err)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if opts.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		// File output is always JSON so it can be shipped.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// FromContext returns the request ID from context, or empty string.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLog writes a single line for an HTTP request (after response). Use from middleware.
func RequestLog(log *zap.Logger, reqID, method, path string, status int, duration time.Duration) {
	fields := []zap.Field{
		zap.String("request_id", reqID),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Float64("duration_ms", float64(duration.Microseconds())/1000),
	}
	switch {
	case status >= 500:
		log.Error("request", fields...)
	case status >= 400:
		log.Warn("request", fields...)
	default:
		log.Info("request", fields...)
	}
}
