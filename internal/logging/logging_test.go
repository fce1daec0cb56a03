package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"  Debug ", slog.LevelDebug},
	}
	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.want {
			t.Fatalf("%q: expected %v, got %v", c.in, c.want, got)
		}
	}
}

func TestNewWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	log.Info("hello", "answer", 42)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "hello" {
		t.Fatalf("message lost: %v", rec)
	}
	if rec["answer"].(float64) != 42 {
		t.Fatalf("attribute lost: %v", rec)
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn"}, &buf)
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info leaked past warn level: %q", buf.String())
	}
	log.Warn("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("warn suppressed: %q", buf.String())
	}
}

func TestNewWithWriter_TextDefault(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{}, &buf)
	log.Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Fatalf("expected text handler output, got %q", buf.String())
	}
}
