package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "info", "json")
	defer Setup("info", "console")

	l := With("session")
	l.Info().Int("tokens", 3).Msg("prompt loaded")
	l.Debug().Msg("filtered out")

	out := buf.String()
	if !strings.Contains(out, `"component":"session"`) {
		t.Errorf("missing component field: %s", out)
	}
	if !strings.Contains(out, `"tokens":3`) {
		t.Errorf("missing tokens field: %s", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Errorf("debug line should be filtered at info level: %s", out)
	}
}

func TestDiscard(t *testing.T) {
	Discard()
	defer Setup("info", "console")
	// Must not panic or write anywhere.
	L().Error().Msg("dropped")
	if IsFileLogging() {
		t.Error("Discard should not enable file logging")
	}
}
