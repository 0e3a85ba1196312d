package detection

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func hasCategory(matches []Match, c Category) bool {
	for _, m := range matches {
		if m.Category == c {
			return true
		}
	}
	return false
}

func TestLevelOf(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{0, LevelLow},
		{0.1, LevelLow},
		{0.3, LevelMedium},
		{0.4, LevelMedium},
		{0.6, LevelHigh},
		{0.7, LevelHigh},
		{0.8, LevelCritical},
		{0.9, LevelCritical},
		{2.5, LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelOf(tt.score); got != tt.want {
			t.Errorf("LevelOf(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestCategory(t *testing.T) {
	t.Run("round trips every category", func(t *testing.T) {
		for _, c := range Categories {
			parsed, err := ParseCategory(c.String())
			if err != nil {
				t.Fatalf("ParseCategory(%q) error: %v", c.String(), err)
			}
			if parsed != c {
				t.Errorf("ParseCategory(%q) = %v, want %v", c.String(), parsed, c)
			}
		}
	})

	t.Run("rejects unknown names", func(t *testing.T) {
		_, err := ParseCategory("phishing")
		if !errors.Is(err, ErrUnknownCategory) {
			t.Errorf("expected ErrUnknownCategory, got %v", err)
		}
	})

	t.Run("accepts mixed case", func(t *testing.T) {
		c, err := ParseCategory(" XSS ")
		if err != nil || c != XSS {
			t.Errorf("ParseCategory(\" XSS \") = %v, %v", c, err)
		}
	})
}

func TestNewCatalog(t *testing.T) {
	t.Run("deduplicates by expression and category", func(t *testing.T) {
		specs := []PatternSpec{
			{ID: "a", Category: SQLInjection, Expression: `union\s+select`},
			{ID: "b", Category: SQLInjection, Expression: `union\s+select`},
			{ID: "c", Category: SQLInjection, Expression: `union\s+select`},
			{ID: "d", Category: Suspicious, Expression: `union\s+select`},
		}
		c, err := NewCatalog(specs, DefaultWeights)
		if err != nil {
			t.Fatalf("NewCatalog error: %v", err)
		}
		if c.Len() != 2 {
			t.Errorf("Len() = %d, want 2", c.Len())
		}
		if c.Duplicates() != 2 {
			t.Errorf("Duplicates() = %d, want 2", c.Duplicates())
		}
		if c.Patterns()[0].ID != "a" {
			t.Errorf("first occurrence should win, got %s", c.Patterns()[0].ID)
		}
	})

	t.Run("uses category weight unless overridden", func(t *testing.T) {
		specs := []PatternSpec{
			{ID: "w", Category: XSS, Expression: `<script`},
			{ID: "o", Category: XSS, Expression: `onerror=`, Weight: 0.25},
		}
		c, err := NewCatalog(specs, DefaultWeights)
		if err != nil {
			t.Fatalf("NewCatalog error: %v", err)
		}
		if w := c.Patterns()[0].Weight; w != DefaultWeights[XSS] {
			t.Errorf("weight = %v, want %v", w, DefaultWeights[XSS])
		}
		if w := c.Patterns()[1].Weight; w != 0.25 {
			t.Errorf("override weight = %v, want 0.25", w)
		}
	})

	t.Run("fails on malformed expression", func(t *testing.T) {
		_, err := NewCatalog([]PatternSpec{{ID: "bad", Category: XSS, Expression: `(<script`}}, DefaultWeights)
		if !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("expected ErrInvalidPattern, got %v", err)
		}
	})

	t.Run("fails on empty expression", func(t *testing.T) {
		_, err := NewCatalog([]PatternSpec{{ID: "empty", Category: XSS}}, DefaultWeights)
		if !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("expected ErrInvalidPattern, got %v", err)
		}
	})

	t.Run("built-in catalog compiles without duplicates", func(t *testing.T) {
		c := DefaultCatalog()
		if c.Len() != len(DefaultPatterns) {
			t.Errorf("Len() = %d, want %d", c.Len(), len(DefaultPatterns))
		}
		ids := map[string]bool{}
		for _, p := range c.Patterns() {
			if ids[p.ID] {
				t.Errorf("duplicate pattern id %s", p.ID)
			}
			ids[p.ID] = true
		}
	})
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("loads patterns and weights", func(t *testing.T) {
		path := filepath.Join(dir, "catalog.yaml")
		content := `
weights:
  sql_injection: 0.5
patterns:
  - id: union
    category: sql_injection
    expression: 'union\s+select'
  - id: union-again
    category: sql_injection
    expression: 'union\s+select'
  - id: tag
    category: xss
    expression: '<script'
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		c, err := LoadCatalogFile(path)
		if err != nil {
			t.Fatalf("LoadCatalogFile error: %v", err)
		}
		if c.Len() != 2 {
			t.Fatalf("Len() = %d, want 2", c.Len())
		}
		if c.Patterns()[0].Weight != 0.5 {
			t.Errorf("sql weight = %v, want 0.5", c.Patterns()[0].Weight)
		}
		if c.Patterns()[1].Weight != DefaultWeights[XSS] {
			t.Errorf("xss weight = %v, want default", c.Patterns()[1].Weight)
		}
	})

	t.Run("falls back to built-in patterns", func(t *testing.T) {
		path := filepath.Join(dir, "weights-only.yaml")
		if err := os.WriteFile(path, []byte("weights:\n  xss: 0.6\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		c, err := LoadCatalogFile(path)
		if err != nil {
			t.Fatalf("LoadCatalogFile error: %v", err)
		}
		if c.Len() != len(DefaultPatterns) {
			t.Errorf("Len() = %d, want %d", c.Len(), len(DefaultPatterns))
		}
	})

	t.Run("rejects unknown category", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.yaml")
		content := "patterns:\n  - id: x\n    category: phishing\n    expression: 'x'\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCatalogFile(path); err == nil {
			t.Error("expected error for unknown category")
		}
	})

	t.Run("rejects malformed regex", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		content := "patterns:\n  - id: x\n    category: xss\n    expression: '(['\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCatalogFile(path); !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("expected ErrInvalidPattern, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadCatalogFile(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestExtractSurfaces(t *testing.T) {
	t.Run("decodes path and query", func(t *testing.T) {
		s := ExtractSurfaces(Request{PathWithQuery: "/search?q=UNION%20SELECT+1"})
		if s.PathAndQuery != "/search?q=UNION SELECT 1" {
			t.Errorf("PathAndQuery = %q", s.PathAndQuery)
		}
	})

	t.Run("keeps raw url when decoding fails", func(t *testing.T) {
		s := ExtractSurfaces(Request{PathWithQuery: "/bad%zz"})
		if s.PathAndQuery != "/bad%zz" {
			t.Errorf("PathAndQuery = %q, want raw", s.PathAndQuery)
		}
	})

	t.Run("empty user agent when header absent", func(t *testing.T) {
		if s := ExtractSurfaces(Request{}); s.UserAgent != "" {
			t.Errorf("UserAgent = %q, want empty", s.UserAgent)
		}
		h := http.Header{}
		h.Set("User-Agent", "curl/8.0")
		if s := ExtractSurfaces(Request{Headers: h}); s.UserAgent != "curl/8.0" {
			t.Errorf("UserAgent = %q", s.UserAgent)
		}
	})

	t.Run("serializes parsed body without html escaping", func(t *testing.T) {
		s := ExtractSurfaces(Request{ParsedBody: map[string]string{"c": "<script>"}})
		if s.SerializedBody != `{"c":"<script>"}` {
			t.Errorf("SerializedBody = %q", s.SerializedBody)
		}
	})

	t.Run("parses raw json body", func(t *testing.T) {
		s := ExtractSurfaces(Request{RawBody: []byte(`{ "a" : 1 }`)})
		if s.SerializedBody != `{"a":1}` {
			t.Errorf("SerializedBody = %q", s.SerializedBody)
		}
	})

	t.Run("parses form body", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Type", "application/x-www-form-urlencoded")
		s := ExtractSurfaces(Request{Headers: h, RawBody: []byte("name=%3Cscript%3E")})
		if !strings.Contains(s.SerializedBody, "<script>") {
			t.Errorf("SerializedBody = %q", s.SerializedBody)
		}
	})

	t.Run("unparseable body yields empty surface", func(t *testing.T) {
		s := ExtractSurfaces(Request{RawBody: []byte("{not json")})
		if s.SerializedBody != "" {
			t.Errorf("SerializedBody = %q, want empty", s.SerializedBody)
		}
	})

	t.Run("unserializable parsed body yields empty surface", func(t *testing.T) {
		s := ExtractSurfaces(Request{ParsedBody: make(chan int)})
		if s.SerializedBody != "" {
			t.Errorf("SerializedBody = %q, want empty", s.SerializedBody)
		}
	})
}

func TestMatcher(t *testing.T) {
	m := NewMatcher(DefaultCatalog(), 0)

	t.Run("sql injection in query", func(t *testing.T) {
		s := ExtractSurfaces(Request{PathWithQuery: "/search?q=UNION SELECT password FROM users"})
		matches, score := m.Match(s)
		if !hasCategory(matches, SQLInjection) {
			t.Fatalf("expected sql_injection match, got %+v", matches)
		}
		if score < 0.8 {
			t.Errorf("score = %v, want >= 0.8", score)
		}
	})

	t.Run("sql and xss accumulate", func(t *testing.T) {
		s := Surfaces{PathAndQuery: "/x?a=union select 1&b=<script>alert(1)</script>"}
		matches, score := m.Match(s)
		if !hasCategory(matches, SQLInjection) || !hasCategory(matches, XSS) {
			t.Fatalf("expected both categories, got %+v", matches)
		}
		if score < DefaultWeights[SQLInjection]+DefaultWeights[XSS] {
			t.Errorf("score = %v, want at least sum of both weights", score)
		}
	})

	t.Run("same pattern on two surfaces counts twice", func(t *testing.T) {
		s := Surfaces{PathAndQuery: "/<script>", SerializedBody: `{"x":"<script>"}`}
		matches, _ := m.Match(s)
		var path, body int
		for _, mt := range matches {
			if mt.PatternID == "script-tag" {
				switch mt.Surface {
				case SurfacePath:
					path++
				case SurfaceBody:
					body++
				}
			}
		}
		if path != 1 || body != 1 {
			t.Errorf("script-tag matches path=%d body=%d, want 1/1", path, body)
		}
	})

	t.Run("case insensitive", func(t *testing.T) {
		matches, _ := m.Match(Surfaces{PathAndQuery: "/?q=<ScRiPt>"})
		if !hasCategory(matches, XSS) {
			t.Error("expected case-insensitive xss match")
		}
	})

	t.Run("scanner user agent", func(t *testing.T) {
		matches, _ := m.Match(Surfaces{UserAgent: "sqlmap/1.7.2#stable (https://sqlmap.org)"})
		if !hasCategory(matches, Suspicious) {
			t.Errorf("expected suspicious match, got %+v", matches)
		}
	})

	t.Run("benign request scores zero", func(t *testing.T) {
		s := Surfaces{
			PathAndQuery:   "/products?page=2&sort=price",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0",
			SerializedBody: `{"quantity":2,"sku":"ABC-123"}`,
		}
		matches, score := m.Match(s)
		if len(matches) != 0 || score != 0 {
			t.Errorf("expected no matches, got %+v (score %v)", matches, score)
		}
	})

	t.Run("empty surfaces", func(t *testing.T) {
		matches, score := m.Match(Surfaces{})
		if len(matches) != 0 || score != 0 {
			t.Errorf("expected no matches, got %+v", matches)
		}
	})

	t.Run("truncates long surfaces", func(t *testing.T) {
		small := NewMatcher(DefaultCatalog(), 16)
		s := Surfaces{PathAndQuery: strings.Repeat("a", 32) + "<script>"}
		if matches, _ := small.Match(s); len(matches) != 0 {
			t.Errorf("expected match beyond cap to be ignored, got %+v", matches)
		}
	})

	t.Run("labels", func(t *testing.T) {
		mt := Match{Category: XSS, PatternID: "script-tag"}
		if mt.Label() != "xss:script-tag" {
			t.Errorf("Label() = %q", mt.Label())
		}
	})
}

func TestMemoryBehaviorTracker(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("creates record on first request", func(t *testing.T) {
		tr := NewMemoryBehaviorTracker(TrackerConfig{})
		obs := tr.Observe("10.0.0.1", base, 0.2)
		if obs.Record.RequestCount != 1 {
			t.Errorf("RequestCount = %d, want 1", obs.Record.RequestCount)
		}
		if !obs.Record.LastRequestAt.Equal(base) {
			t.Errorf("LastRequestAt = %v, want %v", obs.Record.LastRequestAt, base)
		}
		if obs.Record.CumulativeMaxScore != 0.2 {
			t.Errorf("CumulativeMaxScore = %v, want 0.2", obs.Record.CumulativeMaxScore)
		}
		if obs.Burst {
			t.Error("first request should not be a burst")
		}
	})

	t.Run("cumulative max never decreases", func(t *testing.T) {
		tr := NewMemoryBehaviorTracker(TrackerConfig{})
		scores := []float64{0.3, 1.7, 0, 0.5, 0.9}
		prev := 0.0
		for i, s := range scores {
			obs := tr.Observe("c", base.Add(time.Duration(i)*time.Minute), s)
			if obs.Record.CumulativeMaxScore < prev {
				t.Fatalf("cumulative max decreased from %v to %v", prev, obs.Record.CumulativeMaxScore)
			}
			prev = obs.Record.CumulativeMaxScore
		}
		if prev != 1.7 {
			t.Errorf("final max = %v, want 1.7", prev)
		}
	})

	t.Run("burst fires on the eleventh rapid request", func(t *testing.T) {
		tr := NewMemoryBehaviorTracker(TrackerConfig{})
		for i := 1; i <= 12; i++ {
			obs := tr.Observe("burst", base.Add(time.Duration(i)*50*time.Millisecond), 0)
			wantBurst := i >= 11
			if obs.Burst != wantBurst {
				t.Fatalf("request %d: Burst = %v, want %v", i, obs.Burst, wantBurst)
			}
			if wantBurst && obs.Score != DefaultBurstRule.Penalty {
				t.Errorf("request %d: Score = %v, want %v", i, obs.Score, DefaultBurstRule.Penalty)
			}
		}
	})

	t.Run("no burst when requests are spaced out", func(t *testing.T) {
		tr := NewMemoryBehaviorTracker(TrackerConfig{})
		for i := 1; i <= 20; i++ {
			obs := tr.Observe("slow", base.Add(time.Duration(i)*1500*time.Millisecond), 0)
			if obs.Burst {
				t.Fatalf("request %d flagged as burst", i)
			}
		}
	})

	t.Run("idle records expire", func(t *testing.T) {
		tr := NewMemoryBehaviorTracker(TrackerConfig{IdleTTL: time.Minute})
		tr.Observe("idle", base, 1.5)
		if _, ok := tr.Lookup("idle", base.Add(30*time.Second)); !ok {
			t.Fatal("record should still be live")
		}
		if _, ok := tr.Lookup("idle", base.Add(2*time.Minute)); ok {
			t.Error("record should read as absent after idle TTL")
		}
		obs := tr.Observe("idle", base.Add(2*time.Minute), 0)
		if obs.Record.RequestCount != 1 || obs.Record.CumulativeMaxScore != 0 {
			t.Errorf("expected fresh record, got %+v", obs.Record)
		}
	})

	t.Run("sweep removes idle records", func(t *testing.T) {
		tr := NewMemoryBehaviorTracker(TrackerConfig{IdleTTL: time.Minute, Shards: 1})
		tr.Observe("old", base, 0)
		tr.Observe("new", base.Add(90*time.Second), 0)
		removed := tr.Sweep(base.Add(2 * time.Minute))
		if removed != 1 {
			t.Errorf("Sweep removed %d, want 1", removed)
		}
		if tr.Len() != 1 {
			t.Errorf("Len() = %d, want 1", tr.Len())
		}
	})

	t.Run("capacity evicts least recently used", func(t *testing.T) {
		tr := NewMemoryBehaviorTracker(TrackerConfig{MaxClients: 2, Shards: 1})
		tr.Observe("a", base, 0)
		tr.Observe("b", base, 0)
		tr.Observe("a", base, 0)
		tr.Observe("c", base, 0)
		if _, ok := tr.Lookup("b", base); ok {
			t.Error("b should have been evicted")
		}
		if _, ok := tr.Lookup("a", base); !ok {
			t.Error("a should still be tracked")
		}
		if tr.Len() != 2 {
			t.Errorf("Len() = %d, want 2", tr.Len())
		}
	})

	t.Run("concurrent updates are not lost", func(t *testing.T) {
		tr := NewMemoryBehaviorTracker(TrackerConfig{Burst: BurstRule{Interval: time.Nanosecond, Threshold: 1 << 30}})
		var wg sync.WaitGroup
		for _, id := range []string{"x", "y"} {
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func(id string, i int) {
					defer wg.Done()
					tr.Observe(id, base.Add(time.Duration(i)*time.Second), float64(i)/100)
				}(id, i)
			}
		}
		wg.Wait()
		for _, id := range []string{"x", "y"} {
			rec, ok := tr.Lookup(id, base)
			if !ok {
				t.Fatalf("missing record %s", id)
			}
			if rec.RequestCount != 100 {
				t.Errorf("%s RequestCount = %d, want 100", id, rec.RequestCount)
			}
			if rec.CumulativeMaxScore != 0.99 {
				t.Errorf("%s CumulativeMaxScore = %v, want 0.99", id, rec.CumulativeMaxScore)
			}
		}
	})

	t.Run("sweep racing an update keeps the update", func(t *testing.T) {
		later := base.Add(2 * time.Minute)
		for i := 0; i < 1000; i++ {
			tr := NewMemoryBehaviorTracker(TrackerConfig{IdleTTL: time.Minute})
			tr.Observe("a", base, 0)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				tr.Observe("a", later, 0.9)
			}()
			go func() {
				defer wg.Done()
				tr.Sweep(later)
			}()
			wg.Wait()

			rec, ok := tr.Lookup("a", later)
			if !ok {
				t.Fatalf("iteration %d: update dropped by sweep", i)
			}
			if rec.CumulativeMaxScore != 0.9 {
				t.Fatalf("iteration %d: CumulativeMaxScore = %v, want 0.9", i, rec.CumulativeMaxScore)
			}
		}
	})
}
