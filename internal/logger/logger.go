package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a config level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a console logger. When logFile is set, output is also written
// to a rotating file without colors.
func New(level, logFile string, output io.Writer) (zerolog.Logger, error) {
	if output == nil {
		output = os.Stdout
	}

	writers := []io.Writer{
		zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339},
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to create log directory: %w", err)
		}

		writers = append(writers, zerolog.ConsoleWriter{
			Out: &lumberjack.Logger{
				Filename: logFile,
				MaxSize:  10,
				MaxAge:   15,
				Compress: true,
			},
			TimeFormat: time.RFC3339,
			NoColor:    true,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger().
		Level(ParseLevel(level)), nil
}
