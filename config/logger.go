package config

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *zap.Logger

// ParseLevel maps a LOG_LEVEL value to a zap level. Unknown values mean info.
func ParseLevel(logLevelStr string) zapcore.Level {
	s := strings.ToLower(strings.TrimSpace(logLevelStr))
	if s == "warning" {
		s = "warn"
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zap.InfoLevel
	}
	return level
}

// InitLogger builds the process logger. Output goes to stderr so that the
// ask command can print answers on stdout; format "json" selects the
// production encoder.
func InitLogger(logLevelStr, format string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	if strings.EqualFold(format, "json") {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(ParseLevel(logLevelStr))
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	globalLogger = logger
	return logger, nil
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}
