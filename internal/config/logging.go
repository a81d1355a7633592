package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger.
func (l Log) NewLogger() (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if l.Level != "" {
		parsed, err := zerolog.ParseLevel(l.Level)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("log.level: %w", err)
		}
		level = parsed
	}

	var logger zerolog.Logger
	if l.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}
