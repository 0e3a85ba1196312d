package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shortontech/threatgate/internal/event/detection"
)

const (
	DefaultWindow   = 15 * time.Minute
	DefaultCapacity = 100
)

// Tier lowers capacity for requests whose score exceeds Above
type Tier struct {
	Above    float64
	Capacity int
}

// DefaultTiers: score > 0.8 gets 5 requests per window, > 0.5 gets 20
var DefaultTiers = []Tier{
	{Above: 0.8, Capacity: 5},
	{Above: 0.5, Capacity: 20},
}

// Decision is the limiter verdict for one request
type Decision struct {
	Allowed           bool            `json:"allowed"`
	Capacity          int             `json:"capacity"`
	Count             int             `json:"count"`
	Remaining         int             `json:"remaining"`
	RetryAfterSeconds int             `json:"retry_after_seconds"`
	Level             detection.Level `json:"level"`
	ResetAt           time.Time       `json:"reset_at"`
	// Degraded is set when the store failed and the limiter failed open
	Degraded bool `json:"degraded,omitempty"`
}

// Config tunes a Limiter; zero fields select defaults
type Config struct {
	Window          time.Duration
	BaseCapacity    int
	Tiers           []Tier
	WarnLogInterval time.Duration
}

// Limiter is a fixed-window counter whose capacity is picked per request
// from the request's threat score
type Limiter struct {
	store   Store
	window  time.Duration
	base    int
	tiers   []Tier
	log     zerolog.Logger
	warnLog *rate.Sometimes
}

func NewLimiter(store Store, cfg Config, log zerolog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.BaseCapacity <= 0 {
		cfg.BaseCapacity = DefaultCapacity
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers
	}
	if cfg.WarnLogInterval <= 0 {
		cfg.WarnLogInterval = 30 * time.Second
	}
	return &Limiter{
		store:   store,
		window:  cfg.Window,
		base:    cfg.BaseCapacity,
		tiers:   cfg.Tiers,
		log:     log.With().Str("component", "ratelimit").Logger(),
		warnLog: &rate.Sometimes{First: 1, Interval: cfg.WarnLogInterval},
	}
}

// CapacityFor returns the window capacity for a score. Tiers are checked in
// order and the first one whose threshold the score exceeds wins.
func (l *Limiter) CapacityFor(score float64) int {
	for _, t := range l.tiers {
		if score > t.Above {
			return t.Capacity
		}
	}
	return l.base
}

// Store returns the backing window store
func (l *Limiter) Store() Store {
	return l.store
}

// Allow counts one request for identifier and decides whether it fits the
// capacity chosen from score. A store failure fails open with the base
// capacity.
func (l *Limiter) Allow(ctx context.Context, identifier string, score float64, now time.Time) Decision {
	level := detection.LevelOf(score)
	retryAfter := int(l.window / time.Second)

	if l.store == nil {
		return l.failOpen(identifier, level, retryAfter, now, ErrStoreUnavailable)
	}
	w, err := l.store.Increment(ctx, identifier, l.window, now)
	if err != nil {
		return l.failOpen(identifier, level, retryAfter, now, err)
	}

	capacity := l.CapacityFor(score)
	remaining := capacity - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:           w.Count <= capacity,
		Capacity:          capacity,
		Count:             w.Count,
		Remaining:         remaining,
		RetryAfterSeconds: retryAfter,
		Level:             level,
		ResetAt:           w.Start.Add(l.window),
	}
}

func (l *Limiter) failOpen(identifier string, level detection.Level, retryAfter int, now time.Time, err error) Decision {
	l.warnLog.Do(func() {
		l.log.Warn().Err(err).Str("client", identifier).Msg("rate limit store unavailable, failing open")
	})
	return Decision{
		Allowed:           true,
		Capacity:          l.base,
		Remaining:         l.base,
		RetryAfterSeconds: retryAfter,
		Level:             level,
		ResetAt:           now.Add(l.window),
		Degraded:          true,
	}
}
