package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a zerolog logger from cfg. The returned closer releases
// the log file when Output names one and must be closed once the logger is
// no longer used.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	var writer io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		// Anything else is a file path.
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writer = file
		closer = file
	}

	if cfg.Format != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.NoColor,
		}
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().
		Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel converts a string log level to zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
