package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shortontech/threatgate/internal/event"
)

// LogSink appends security events as NDJSON to a file, or to stdout when
// the destination is "stdout".
type LogSink struct {
	dst string

	mu  sync.Mutex
	f   *os.File
	out zerolog.Logger
	on  bool
}

// NewLogSink reads the destination from EVENT_LOG_PATH
func NewLogSink() *LogSink {
	return &LogSink{dst: getEnvOr("EVENT_LOG_PATH", "security_events.ndjson")}
}

// NewLogSinkWriter writes to w instead of a path
func NewLogSinkWriter(w io.Writer) *LogSink {
	return &LogSink{dst: "writer", out: zerolog.New(zerolog.SyncWriter(w)), on: true}
}

func (s *LogSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on {
		return nil
	}
	if s.dst == "stdout" {
		s.out = zerolog.New(zerolog.SyncWriter(os.Stdout))
		s.on = true
		return nil
	}
	f, err := os.OpenFile(s.dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", s.dst, err)
	}
	s.f = f
	s.out = zerolog.New(f)
	s.on = true
	return nil
}

func (s *LogSink) Enqueue(e event.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.on {
		return fmt.Errorf("log sink not started")
	}
	s.out.Log().EmbedObject(eventFields(e)).Send()
	return nil
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = false
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *LogSink) Name() string { return "log" }

// eventFields renders a SecurityEvent as top-level zerolog fields so each
// line decodes back into the event
type eventFields event.SecurityEvent

func (e eventFields) MarshalZerologObject(z *zerolog.Event) {
	z.Str("event_id", e.EventID).
		Str("ts", e.TS).
		Str("client_id", e.ClientID)
	if e.Method != "" {
		z.Str("method", e.Method)
	}
	if e.Path != "" {
		z.Str("path", e.Path)
	}
	if e.UserAgent != "" {
		z.Str("user_agent", e.UserAgent)
	}
	z.Float64("score", e.Score).Str("level", string(e.Level))
	if len(e.Labels) > 0 {
		z.Strs("labels", e.Labels)
	}
	z.Bool("blocked", e.Blocked)
	if e.Burst {
		z.Bool("burst", true)
	}
	if e.RateLimited {
		z.Bool("rate_limited", true)
	}
	if e.Capacity != 0 {
		z.Int("capacity", e.Capacity)
	}
	if e.Degraded {
		z.Bool("degraded", true)
	}
}
