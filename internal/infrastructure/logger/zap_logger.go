package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production zap logger. encoding is "json" or "console";
// outputs default to stderr.
func NewLogger(level, encoding string, outputs ...string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	l, err := zapcore.ParseLevel(level)
	if err != nil {
		l = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(l)

	if encoding == "console" {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if len(outputs) > 0 {
		config.OutputPaths = outputs
	}

	return config.Build()
}
