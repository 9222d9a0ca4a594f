package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"DEBUG":   zerolog.DebugLevel,
		"trace":   zerolog.TraceLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}

	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	var buf bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "logs", "btclient.log")

	l, err := New("info", logFile, &buf)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	l.Debug().Msg("hidden")
	l.Info().Str("client", "local").Msg("visible")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug message written at info level")
	}
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("console output missing message: %q", buf.String())
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "client=local") {
		t.Errorf("log file missing fields: %q", data)
	}
}
