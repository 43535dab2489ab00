package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process logger. It is a no-op until Init runs so packages and
// tests can log unconditionally.
var Log = zap.NewNop()

// Init builds the JSON stdout logger; unknown levels fall back to info.
func Init(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zap.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Encoding:         "json",
		Level:            zap.NewAtomicLevelAt(lvl),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    enc,
		InitialFields:    map[string]any{"service": "outboxflow"},
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	Log = l
	return l
}

// Component returns a child logger tagged with the loop or subsystem name.
func Component(name string) *zap.Logger {
	return Log.With(zap.String("component", name))
}
