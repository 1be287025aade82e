package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOptions selects the encoder, the minimum level and the sink.
type LogOptions struct {
	Dev   bool
	Level string
	// Stderr sends entries to stderr, leaving stdout to command output.
	Stderr bool
}

// InitLogger builds the process logger. Dev picks the console encoder with
// colored levels; otherwise entries are JSON.
func InitLogger(opts LogOptions) (*zap.Logger, error) {
	var config zap.Config
	if opts.Dev {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		config.Level = level
	}

	sink := "stdout"
	if opts.Stderr {
		sink = "stderr"
	}
	config.OutputPaths = []string{sink}
	config.ErrorOutputPaths = []string{"stderr"}
	config.InitialFields = map[string]any{"service": ServiceName}

	return config.Build()
}
