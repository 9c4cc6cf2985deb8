package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is a no-op logger until Init runs, so library packages and tests can log freely.
var Log = zap.NewNop()

// helper backs the package-level functions; it skips their frame so the
// caller field points at the real call site.
var helper = Log

type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init replaces the global logger. outputPath is "stdout", "stderr" or a
// file path, which is rotated by size and age.
func Init(level, format, outputPath string, rotation RotationConfig) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	core := zapcore.NewCore(newEncoder(format), newSink(outputPath, rotation), zapLevel)
	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	helper = Log.WithOptions(zap.AddCallerSkip(1))

	return nil
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder

	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func newSink(outputPath string, rotation RotationConfig) zapcore.WriteSyncer {
	switch outputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   outputPath,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	})
}

// Named returns a child of the global logger; callers that keep a logger
// field should take it from here rather than caching Log before Init.
func Named(name string) *zap.Logger {
	return Log.Named(name)
}

func Info(msg string, fields ...zap.Field) {
	helper.Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	helper.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	helper.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	helper.Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	helper.Fatal(msg, fields...)
}

func Sync() {
	_ = Log.Sync()
}
