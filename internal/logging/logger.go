// Package logging provides the process-wide structured logger. Every
// component in this repository logs through it; library code never
// prints to stdout/stderr directly.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
	level  = zap.NewAtomicLevelAt(zapcore.WarnLevel)
)

// initLogger performs lazy initialization: a production config with
// console encoding, runtime-adjustable level, no stack traces.
func initLogger() {
	once.Do(func() {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.DisableStacktrace = true
		config.DisableCaller = true
		config.Level = level

		var err error
		logger, err = config.Build()
		if err != nil {
			// Fall back to a no-op logger rather than panicking.
			logger = zap.NewNop()
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
		}
		sugar = logger.Sugar()
	})
}

// SetLevel maps CLI verbosity onto the log level:
// 0 = warn, 1 = info (-v), 2+ = debug (-vv).
func SetLevel(verbosity int) {
	switch verbosity {
	case 0:
		level.SetLevel(zapcore.WarnLevel)
	case 1:
		level.SetLevel(zapcore.InfoLevel)
	default:
		level.SetLevel(zapcore.DebugLevel)
	}
}

// GetLogger returns the structured logger.
func GetLogger() *zap.Logger {
	initLogger()
	return logger
}

// Sync flushes buffered log entries.
func Sync() {
	initLogger()
	_ = logger.Sync()
}

// Info logs an informational message
func Info(msg string, fields ...zap.Field) {
	initLogger()
	logger.Info(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	initLogger()
	logger.Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	initLogger()
	logger.Error(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	initLogger()
	logger.Debug(msg, fields...)
}

// Infof logs a formatted informational message (sugared)
func Infof(template string, args ...interface{}) {
	initLogger()
	sugar.Infof(template, args...)
}

// Warnf logs a formatted warning message (sugared)
func Warnf(template string, args ...interface{}) {
	initLogger()
	sugar.Warnf(template, args...)
}

// Errorf logs a formatted error message (sugared)
func Errorf(template string, args ...interface{}) {
	initLogger()
	sugar.Errorf(template, args...)
}
