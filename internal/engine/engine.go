// Package engine scores inbound requests and decides whether they are
// blocked or throttled.
package engine

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortontech/threatgate/internal/event"
	"github.com/shortontech/threatgate/internal/event/detection"
	"github.com/shortontech/threatgate/internal/metrics"
	"github.com/shortontech/threatgate/internal/ratelimit"
)

const (
	DefaultBlockThreshold = 0.7
	DefaultTaintThreshold = 0.8

	// LabelRateLimitExceeded is added when the burst heuristic fires
	LabelRateLimitExceeded = "rate_limit_exceeded"

	HeaderThreatScore    = "X-Threat-Score"
	HeaderThreatLevel    = "X-Threat-Level"
	HeaderSecurityEngine = "X-Security-Engine"
	EngineIdentifier     = "threatgate/1.0"
)

// Assessment is the verdict for one request
type Assessment struct {
	Score   float64           `json:"score"`
	Labels  []string          `json:"labels"`
	Blocked bool              `json:"blocked"`
	Level   detection.Level   `json:"level"`
	Burst   bool              `json:"burst,omitempty"`
	Matches []detection.Match `json:"matches,omitempty"`
	Record  detection.Record  `json:"record"`
}

// Headers returns the response header directives for the assessment
func (a Assessment) Headers() http.Header {
	h := make(http.Header, 3)
	h.Set(HeaderThreatScore, FormatScore(a.Score))
	h.Set(HeaderThreatLevel, string(a.Level))
	h.Set(HeaderSecurityEngine, EngineIdentifier)
	return h
}

// FormatScore renders a score as a decimal string rounded to three places
func FormatScore(score float64) string {
	return strconv.FormatFloat(math.Round(score*1000)/1000, 'f', -1, 64)
}

// Verdict combines the threat assessment with the rate limit decision
type Verdict struct {
	Assessment Assessment         `json:"assessment"`
	RateLimit  ratelimit.Decision `json:"rate_limit"`
}

// Headers returns the threat headers plus X-RateLimit-* values
func (v Verdict) Headers() http.Header {
	h := v.Assessment.Headers()
	h.Set("X-RateLimit-Limit", strconv.Itoa(v.RateLimit.Capacity))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(v.RateLimit.Remaining))
	if !v.RateLimit.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(v.RateLimit.ResetAt.Unix(), 10))
	}
	if !v.RateLimit.Allowed {
		h.Set("Retry-After", strconv.Itoa(v.RateLimit.RetryAfterSeconds))
	}
	return h
}

// Options wires a SecurityEngine. Nil collaborators are replaced with
// in-memory defaults.
type Options struct {
	Matcher *detection.Matcher
	Tracker detection.BehaviorTracker
	Limiter *ratelimit.Limiter

	BlockThreshold float64
	TaintThreshold float64

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Emit    func(event.SecurityEvent)
	Clock   func() time.Time
}

// SecurityEngine owns the per-client behavior state and the rate limit
// windows. Build one at startup and share it across requests.
type SecurityEngine struct {
	matcher *detection.Matcher
	tracker detection.BehaviorTracker
	limiter *ratelimit.Limiter

	blockThreshold float64
	taintThreshold float64

	log     zerolog.Logger
	metrics *metrics.Metrics
	emit    func(event.SecurityEvent)
	now     func() time.Time
}

func New(opts Options) *SecurityEngine {
	if opts.Matcher == nil {
		opts.Matcher = detection.NewMatcher(detection.DefaultCatalog(), detection.DefaultMaxInspectBytes)
	}
	if opts.Tracker == nil {
		opts.Tracker = detection.NewMemoryBehaviorTracker(detection.TrackerConfig{})
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{}, opts.Logger)
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = DefaultBlockThreshold
	}
	if opts.TaintThreshold <= 0 {
		opts.TaintThreshold = DefaultTaintThreshold
	}
	if opts.Emit == nil {
		opts.Emit = func(event.SecurityEvent) {}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SecurityEngine{
		matcher:        opts.Matcher,
		tracker:        opts.Tracker,
		limiter:        opts.Limiter,
		blockThreshold: opts.BlockThreshold,
		taintThreshold: opts.TaintThreshold,
		log:            opts.Logger.With().Str("component", "engine").Logger(),
		metrics:        opts.Metrics,
		emit:           opts.Emit,
		now:            opts.Clock,
	}
}

func (e *SecurityEngine) Matcher() *detection.Matcher { return e.matcher }

func (e *SecurityEngine) Tracker() detection.BehaviorTracker { return e.tracker }

func (e *SecurityEngine) Limiter() *ratelimit.Limiter { return e.limiter }

// Decide maps a request score and the client's record to an assessment.
// score must already include any behavioral penalty.
func (e *SecurityEngine) Decide(score float64, rec detection.Record, burst bool, matches []detection.Match) Assessment {
	labels := make([]string, 0, len(matches)+1)
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		l := m.Label()
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		labels = append(labels, l)
	}
	if burst {
		labels = append(labels, LabelRateLimitExceeded)
	}
	return Assessment{
		Score:   score,
		Labels:  labels,
		Blocked: score > e.blockThreshold || rec.CumulativeMaxScore > e.taintThreshold,
		Level:   detection.LevelOf(score),
		Burst:   burst,
		Matches: matches,
		Record:  rec,
	}
}

// Assess scores req and updates the client's behavior record. It never
// panics; an internal fault yields a zero-score assessment.
func (e *SecurityEngine) Assess(ctx context.Context, req detection.Request) (a Assessment) {
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("client", req.ClientID).
				Str("panic", fmt.Sprint(r)).
				Msg("assessment failed, allowing request")
			a = Assessment{Labels: []string{}, Level: detection.LevelLow}
		}
	}()

	surfaces := detection.ExtractSurfaces(req)
	matches, score := e.matcher.Match(surfaces)
	obs := e.tracker.Observe(req.ClientID, start, score)
	a = e.Decide(obs.Score, obs.Record, obs.Burst, matches)

	for _, m := range matches {
		e.metrics.IncrementPatternMatch(m.Category.String(), m.Surface)
	}
	if obs.Burst {
		e.metrics.IncrementBurst()
	}

	if len(a.Labels) > 0 {
		e.log.Info().
			Str("client", req.ClientID).
			Str("path", req.PathWithQuery).
			Str("user_agent", req.UserAgent()).
			Float64("score", a.Score).
			Str("level", string(a.Level)).
			Strs("labels", a.Labels).
			Msg("threat patterns matched")
	}
	if a.Blocked {
		e.log.Warn().
			Str("client", req.ClientID).
			Str("path", req.PathWithQuery).
			Str("user_agent", req.UserAgent()).
			Float64("score", a.Score).
			Float64("cumulative_max_score", a.Record.CumulativeMaxScore).
			Str("level", string(a.Level)).
			Strs("labels", a.Labels).
			Msg("request blocked")
	}
	return a
}

// Limit counts the request against the client's adaptive window
func (e *SecurityEngine) Limit(ctx context.Context, identifier string, score float64) (d ratelimit.Decision) {
	now := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("client", identifier).Str("panic", fmt.Sprint(r)).Msg("rate limit failed, allowing request")
			d = ratelimit.Decision{
				Allowed:   true,
				Capacity:  ratelimit.DefaultCapacity,
				Remaining: ratelimit.DefaultCapacity,
				Level:     detection.LevelOf(score),
				Degraded:  true,
			}
		}
	}()

	d = e.limiter.Allow(ctx, identifier, score, now)
	if d.Degraded {
		name := "none"
		if s := e.limiter.Store(); s != nil {
			name = s.Name()
		}
		e.metrics.IncrementStoreErrors(name)
	}
	if !d.Allowed {
		e.metrics.IncrementRateLimited(d.Capacity)
		e.log.Warn().
			Str("client", identifier).
			Int("capacity", d.Capacity).
			Int("count", d.Count).
			Str("level", string(d.Level)).
			Msg("request rate limited")
	}
	return d
}

// Evaluate runs the full pipeline for one request: assess, then rate limit.
// The limiter runs regardless of the block verdict.
func (e *SecurityEngine) Evaluate(ctx context.Context, req detection.Request) Verdict {
	start := e.now()
	a := e.Assess(ctx, req)
	d := e.Limit(ctx, req.ClientID, a.Score)
	v := Verdict{Assessment: a, RateLimit: d}

	e.metrics.ObserveAssessment(string(a.Level), verdictName(v), a.Score, e.now().Sub(start))
	e.metrics.SetTrackedClients(e.tracker.Len())

	if len(a.Labels) > 0 || a.Blocked || !d.Allowed {
		e.publish(req, v, start)
	}
	return v
}

func (e *SecurityEngine) publish(req detection.Request, v Verdict, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("panic", fmt.Sprint(r)).Msg("event emit failed")
		}
	}()
	ev := event.SecurityEvent{
		ClientID:    req.ClientID,
		Method:      req.Method,
		Path:        req.PathWithQuery,
		UserAgent:   req.UserAgent(),
		Score:       v.Assessment.Score,
		Level:       v.Assessment.Level,
		Labels:      v.Assessment.Labels,
		Blocked:     v.Assessment.Blocked,
		Burst:       v.Assessment.Burst,
		RateLimited: !v.RateLimit.Allowed,
		Capacity:    v.RateLimit.Capacity,
		Degraded:    v.RateLimit.Degraded,
	}
	ev.Normalize(now)
	e.emit(ev)
}

func verdictName(v Verdict) string {
	switch {
	case v.Assessment.Blocked:
		return "blocked"
	case !v.RateLimit.Allowed:
		return "rate_limited"
	}
	return "allowed"
}

type sweeper interface {
	Start(ctx context.Context, interval time.Duration)
}

// Start launches background eviction for in-memory state until ctx ends
func (e *SecurityEngine) Start(ctx context.Context, interval time.Duration) {
	if s, ok := e.tracker.(sweeper); ok {
		s.Start(ctx, interval)
	}
	if st := e.limiter.Store(); st != nil {
		if s, ok := st.(sweeper); ok {
			s.Start(ctx, interval)
		}
	}
}
