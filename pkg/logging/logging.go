// Package logging provides the structured logger used across the service.
// Loggers are immutable; With* methods return derived loggers carrying the
// accumulated fields.
package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Logger is the logging surface used by engines and repositories.
type Logger interface {
	WithContext(ctx context.Context) Logger
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
	WithError(err error) Logger

	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type zapLogger struct {
	base *zap.Logger
}

// New creates a Logger at the given level. Pretty enables human-readable
// console output for local development; otherwise output is JSON.
func New(level string, pretty bool) (Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if pretty {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &zapLogger{base: base}, nil
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() Logger {
	return &zapLogger{base: zap.NewNop()}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}

	fields := make([]zap.Field, 0, 2)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if spanID := tracing.GetSpanID(ctx); spanID != "" {
		fields = append(fields, zap.String("span_id", spanID))
	}
	if len(fields) == 0 {
		return l
	}

	return &zapLogger{base: l.base.With(fields...)}
}

func (l *zapLogger) WithField(key string, value any) Logger {
	return &zapLogger{base: l.base.With(zap.Any(key, value))}
}

func (l *zapLogger) WithFields(fields map[string]any) Logger {
	zfields := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		zfields = append(zfields, zap.Any(key, value))
	}
	return &zapLogger{base: l.base.With(zfields...)}
}

func (l *zapLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return &zapLogger{base: l.base.With(zap.Error(err))}
}

func (l *zapLogger) Debug(msg string) { l.base.Debug(msg) }
func (l *zapLogger) Info(msg string)  { l.base.Info(msg) }
func (l *zapLogger) Warn(msg string)  { l.base.Warn(msg) }
func (l *zapLogger) Error(msg string) { l.base.Error(msg) }

func (l *zapLogger) Debugf(format string, args ...any) { l.base.Debug(fmt.Sprintf(format, args...)) }
func (l *zapLogger) Infof(format string, args ...any)  { l.base.Info(fmt.Sprintf(format, args...)) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.base.Warn(fmt.Sprintf(format, args...)) }
func (l *zapLogger) Errorf(format string, args ...any) { l.base.Error(fmt.Sprintf(format, args...)) }
