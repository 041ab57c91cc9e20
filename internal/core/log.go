// Package core holds the logging and error primitives shared by every
// mongosync package: a process-wide zap logger and the sentinel errors
// used to classify failures at the command layer.
package core

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide structured logger. It is safe for concurrent
// use and is replaced wholesale by ConfigureLogger once flags/config are
// parsed; until then it logs at info level to stderr.
var Logger *zap.Logger

func init() {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}
	Logger = logger
}

// ConfigureLogger rebuilds the global logger from CLI/config settings.
// development switches to a human-readable console encoder; level is one
// of debug, info, warn, error; outputPaths defaults to stderr when empty.
func ConfigureLogger(development bool, level string, outputPaths ...string) error {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var zapLevel zapcore.Level
	if err := zapLevel.Set(level); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	if len(outputPaths) > 0 {
		config.OutputPaths = outputPaths
	}

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// SetLogger overrides the global logger, mainly for tests.
func SetLogger(logger *zap.Logger) {
	Logger = logger
}

// GetLogger returns the current global logger.
func GetLogger() *zap.Logger {
	return Logger
}

func Debug(msg string, fields ...zap.Field) { Logger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Logger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Logger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Logger.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Logger.Fatal(msg, fields...) }

// With returns a child logger with the given structured fields attached.
func With(fields ...zap.Field) *zap.Logger { return Logger.With(fields...) }
