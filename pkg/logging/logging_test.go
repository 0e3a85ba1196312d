package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "json", &buf)

	l.Info().Msg("dropped")
	l.Warn().Str("client", "1.2.3.4").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["message"] != "kept" || entry["service"] != "threatgate" || entry["client"] != "1.2.3.4" {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry should carry a timestamp")
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", "Console", &buf)
	l.Debug().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, "hello") {
		t.Errorf("console output missing message: %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("console output should not be JSON: %q", out)
	}
}

func TestNew_UnknownLevel(t *testing.T) {
	l := New("loud", "", &bytes.Buffer{})
	if l.GetLevel() != zerolog.InfoLevel {
		t.Errorf("level = %v, want info", l.GetLevel())
	}
}

func TestSetGlobal(t *testing.T) {
	prev := log.Logger
	defer func() { log.Logger = prev }()

	var buf bytes.Buffer
	SetGlobal(New("info", "json", &buf))
	log.Info().Msg("global")
	if !strings.Contains(buf.String(), `"message":"global"`) {
		t.Errorf("global logger not installed: %q", buf.String())
	}
}
