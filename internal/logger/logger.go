// Package logger provides structured logging using go.uber.org/zap.
// It builds a JSON logger with service-level context and provides
// trace ID propagation through context.Context.
package logger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
// Level is one of "debug", "info", "warn", "error"; anything else maps
// to info.
func Init(service, level string) *zap.Logger {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.Config{
		Level:            zapLevel,
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	log, err := cfg.Build()
	if err != nil {
		// Config above is static; Build only fails on bad output paths.
		panic(fmt.Sprintf("logger init: %v", err))
	}
	log = log.With(zap.String("service", service))

	// Route zap's global loggers through the same sink so stray
	// zap.L()/zap.S() calls stay structured.
	zap.ReplaceGlobals(log)

	return log
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from a symbol and timestamp.
// Format: "{symbol}-{unixNano}".
func GenerateTraceID(symbol string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", symbol, ts.UnixNano())
}

// TraceField returns a zap field carrying the trace ID from context, or a
// no-op field when none is set.
// Usage: log.Info("msg", logger.TraceField(ctx))
func TraceField(ctx context.Context) zap.Field {
	tid := TraceID(ctx)
	if tid == "" {
		return zap.Skip()
	}
	return zap.String("trace_id", tid)
}
