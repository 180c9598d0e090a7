// Package util provides shared logging and stats helpers.
package util

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar *zap.SugaredLogger
)

func init() {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		level,
	)
	sugar = zap.New(core).Sugar()
}

// Leveled logging functions backed by a shared zap sugared logger.
// All output goes to stderr.

func LogDebug(format string, args ...interface{}) {
	sugar.Debugf(format, args...)
}

func LogInfo(format string, args ...interface{}) {
	sugar.Infof(format, args...)
}

func LogWarning(format string, args ...interface{}) {
	sugar.Warnf(format, args...)
}

func LogError(format string, args ...interface{}) {
	sugar.Errorf(format, args...)
}

// EnableDebug lowers the log level so debug messages show.
func EnableDebug() {
	level.SetLevel(zapcore.DebugLevel)
}
