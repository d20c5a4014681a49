package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Format(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger(&buf, "info", "json").Info("server.start", "addr", ":8080")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected JSON line, got %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "info", "TEXT").Info("server.start", "addr", ":8080")
	if !strings.Contains(buf.String(), "msg=server.start") {
		t.Fatalf("expected text line, got %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "json").Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level, got %q", buf.String())
	}
}
