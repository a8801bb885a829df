package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFansOutToFile(t *testing.T) {
	var term bytes.Buffer
	path := filepath.Join(t.TempDir(), "gateway.log")

	log, closer, err := New(Options{Level: "debug", FilePath: path, Terminal: &term})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("policy loaded", "hash", "sha256:abc")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	if !strings.Contains(term.String(), "policy loaded") {
		t.Errorf("terminal output = %q", term.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("log file is not JSON: %v", err)
	}
	if line["msg"] != "policy loaded" || line["hash"] != "sha256:abc" {
		t.Errorf("line = %v", line)
	}
}

func TestLevelFilters(t *testing.T) {
	var term bytes.Buffer
	log, closer, err := New(Options{Level: "warn", Terminal: &term})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer()

	log.Debug("invisible")
	log.Warn("visible")
	if strings.Contains(term.String(), "invisible") {
		t.Error("debug line passed a warn-level filter")
	}
	if !strings.Contains(term.String(), "visible") {
		t.Error("warn line filtered out")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
