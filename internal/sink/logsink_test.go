package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shortontech/threatgate/internal/event"
	"github.com/shortontech/threatgate/internal/event/detection"
)

func TestNewLogSink(t *testing.T) {
	t.Run("uses default path when env not set", func(t *testing.T) {
		t.Setenv("EVENT_LOG_PATH", "")
		if s := NewLogSink(); s.dst != "security_events.ndjson" {
			t.Errorf("dst = %q, want security_events.ndjson", s.dst)
		}
	})

	t.Run("uses env variable when set", func(t *testing.T) {
		t.Setenv("EVENT_LOG_PATH", "/tmp/custom.ndjson")
		if s := NewLogSink(); s.dst != "/tmp/custom.ndjson" {
			t.Errorf("dst = %q", s.dst)
		}
	})
}

func TestLogSinkStart(t *testing.T) {
	t.Run("creates file at destination path", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "events.ndjson")
		t.Setenv("EVENT_LOG_PATH", logPath)

		s := NewLogSink()
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		defer s.Close()

		if _, err := os.Stat(logPath); os.IsNotExist(err) {
			t.Errorf("log file was not created at %s", logPath)
		}
	})

	t.Run("handles stdout mode", func(t *testing.T) {
		t.Setenv("EVENT_LOG_PATH", "stdout")
		s := NewLogSink()
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed for stdout: %v", err)
		}
		if s.f != nil {
			t.Error("file pointer should be nil for stdout mode")
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close() for stdout mode failed: %v", err)
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		t.Setenv("EVENT_LOG_PATH", "/nonexistent/directory/test.ndjson")
		s := NewLogSink()
		if err := s.Start(context.Background()); err == nil {
			t.Error("Start() should fail for invalid path")
			s.Close()
		}
	})
}

func TestLogSinkEnqueue(t *testing.T) {
	t.Run("writes decodable events", func(t *testing.T) {
		var buf bytes.Buffer
		s := NewLogSinkWriter(&buf)

		in := event.SecurityEvent{
			EventID:     "evt-1",
			TS:          "2026-01-01T00:00:00Z",
			ClientID:    "203.0.113.5",
			Method:      "GET",
			Path:        "/search?q=<script>",
			Score:       0.8,
			Level:       detection.LevelCritical,
			Labels:      []string{"xss:script-tag"},
			Blocked:     true,
			RateLimited: true,
			Capacity:    5,
		}
		if err := s.Enqueue(in); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}

		var out event.SecurityEvent
		if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out); err != nil {
			t.Fatalf("line is not valid JSON: %v (%q)", err, buf.String())
		}
		if out.EventID != "evt-1" || out.ClientID != "203.0.113.5" || out.Path != in.Path {
			t.Errorf("decoded = %+v", out)
		}
		if !out.Blocked || !out.RateLimited || out.Capacity != 5 || out.Level != detection.LevelCritical {
			t.Errorf("decoded flags = %+v", out)
		}
		if len(out.Labels) != 1 || out.Labels[0] != "xss:script-tag" {
			t.Errorf("Labels = %v", out.Labels)
		}
		if strings.Contains(buf.String(), `"level":"info"`) {
			t.Error("event lines should not carry a log level")
		}
	})

	t.Run("appends one line per event across restarts", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "append.ndjson")
		t.Setenv("EVENT_LOG_PATH", logPath)
		ctx := context.Background()

		for _, id := range []string{"first", "second"} {
			s := NewLogSink()
			if err := s.Start(ctx); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			if err := s.Enqueue(event.SecurityEvent{EventID: id}); err != nil {
				t.Fatal(err)
			}
			s.Close()
		}

		f, err := os.Open(logPath)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		var ids []string
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var e event.SecurityEvent
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				t.Fatalf("bad line %q: %v", sc.Text(), err)
			}
			ids = append(ids, e.EventID)
		}
		if strings.Join(ids, ",") != "first,second" {
			t.Errorf("ids = %v, want [first second]", ids)
		}
	})

	t.Run("handles concurrent writes safely", func(t *testing.T) {
		var buf bytes.Buffer
		s := NewLogSinkWriter(&buf)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Enqueue(event.SecurityEvent{EventID: "c", ClientID: "x"})
			}()
		}
		wg.Wait()

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 20 {
			t.Fatalf("got %d lines, want 20", len(lines))
		}
		for _, l := range lines {
			if !json.Valid([]byte(l)) {
				t.Errorf("corrupt line %q", l)
			}
		}
	})

	t.Run("rejects events when not started", func(t *testing.T) {
		s := NewLogSink()
		if err := s.Enqueue(event.SecurityEvent{}); err == nil {
			t.Error("Enqueue before Start should fail")
		}
	})
}

func TestLogSinkClose(t *testing.T) {
	t.Run("closes file handle", func(t *testing.T) {
		t.Setenv("EVENT_LOG_PATH", filepath.Join(t.TempDir(), "closeable.ndjson"))
		s := NewLogSink()
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
		if err := s.Enqueue(event.SecurityEvent{EventID: "after-close"}); err == nil {
			t.Error("Enqueue after Close should fail")
		}
	})

	t.Run("handles close without start", func(t *testing.T) {
		if err := NewLogSink().Close(); err != nil {
			t.Errorf("Close() on unstarted sink should not error: %v", err)
		}
	})
}

func TestLogSinkName(t *testing.T) {
	if n := NewLogSink().Name(); n != "log" {
		t.Errorf("Name() = %q, want log", n)
	}
}
