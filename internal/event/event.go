package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/threatgate/internal/event/detection"
)

// SecurityEvent is the record emitted to sinks for every assessed request
// that matched a pattern, was blocked, or was rate limited. Optional fields
// are omitted when empty.
type SecurityEvent struct {
	EventID string `json:"event_id"`
	TS      string `json:"ts"` // RFC3339Nano, UTC

	ClientID  string `json:"client_id"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Score  float64         `json:"score"`
	Level  detection.Level `json:"level"`
	Labels []string        `json:"labels,omitempty"`

	Blocked     bool `json:"blocked"`
	Burst       bool `json:"burst,omitempty"`
	RateLimited bool `json:"rate_limited,omitempty"`
	Capacity    int  `json:"capacity,omitempty"`
	// Degraded marks decisions taken while the rate limit store was down
	Degraded bool `json:"degraded,omitempty"`
}

// Normalize fills the fields the server owns
func (e *SecurityEvent) Normalize(now time.Time) {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.TS == "" {
		e.TS = now.UTC().Format(time.RFC3339Nano)
	}
	if e.Level == "" {
		e.Level = detection.LevelOf(e.Score)
	}
}

// Kind is a coarse tag used for sink headers and metrics
func (e SecurityEvent) Kind() string {
	switch {
	case e.Blocked:
		return "blocked"
	case e.RateLimited:
		return "rate_limited"
	case len(e.Labels) > 0:
		return "matched"
	}
	return "assessed"
}
