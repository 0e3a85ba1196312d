package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shortontech/threatgate/internal/engine"
	"github.com/shortontech/threatgate/internal/event/detection"
	"github.com/shortontech/threatgate/internal/ratelimit"
)

const burstRequests = 12

type selfTestResult struct {
	Name    string
	Verdict engine.Verdict
	OK      bool
}

type scenario struct {
	name   string
	req    detection.Request
	repeat int
	check  func(engine.Verdict) bool
}

// selfTestScenarios uses fresh identifiers on every run so replays never
// inherit taint from a previous one
func selfTestScenarios() []scenario {
	id := func(kind string) string {
		return "selftest-" + kind + "-" + uuid.New().String()[:8]
	}
	return []scenario{
		{
			name: "benign",
			req:  detection.Request{Method: "GET", ClientID: id("benign")},
			check: func(v engine.Verdict) bool {
				return v.Assessment.Score == 0 && !v.Assessment.Blocked &&
					v.Assessment.Level == detection.LevelLow && v.RateLimit.Capacity == ratelimit.DefaultCapacity
			},
		},
		{
			name: "sql_injection",
			req: detection.Request{
				Method:        "GET",
				PathWithQuery: "/search?q=UNION SELECT password FROM users",
				Headers:       map[string][]string{"User-Agent": {"Mozilla/5.0 (X11; Linux x86_64)"}},
				ClientID:      id("sqli"),
			},
			check: func(v engine.Verdict) bool {
				return v.Assessment.Blocked && v.Assessment.Level == detection.LevelCritical
			},
		},
		{
			name:   "burst",
			req:    detection.Request{Method: "GET", PathWithQuery: "/api/items", ClientID: id("burst")},
			repeat: burstRequests,
			check: func(v engine.Verdict) bool {
				return v.Assessment.Burst && v.Assessment.Blocked
			},
		},
	}
}

// runSelfTest replays the built-in scenarios through eng. The engine emits
// the resulting security events to the configured sinks as usual.
func runSelfTest(ctx context.Context, eng *engine.SecurityEngine, log zerolog.Logger) []selfTestResult {
	log.Info().Msg("self test: replaying scenarios")

	var results []selfTestResult
	for _, sc := range selfTestScenarios() {
		n := sc.repeat
		if n < 1 {
			n = 1
		}
		var v engine.Verdict
		for i := 0; i < n; i++ {
			v = eng.Evaluate(ctx, sc.req)
		}
		res := selfTestResult{Name: sc.name, Verdict: v, OK: sc.check(v)}
		results = append(results, res)

		ev := log.Info()
		if !res.OK {
			ev = log.Warn()
		}
		ev.Str("scenario", sc.name).
			Str("client", sc.req.ClientID).
			Float64("score", v.Assessment.Score).
			Str("level", string(v.Assessment.Level)).
			Bool("blocked", v.Assessment.Blocked).
			Bool("ok", res.OK).
			Msg("self test scenario")
	}

	log.Info().Int("scenarios", len(results)).Msg("self test: done")
	return results
}
