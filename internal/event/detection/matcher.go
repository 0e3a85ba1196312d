package detection

// DefaultMaxInspectBytes caps how much of each surface is scanned
const DefaultMaxInspectBytes = 64 << 10

// Surface names used in Match.Surface
const (
	SurfacePath      = "path"
	SurfaceUserAgent = "user_agent"
	SurfaceBody      = "body"
)

// Matcher scans request surfaces against a catalog
type Matcher struct {
	catalog         *Catalog
	maxInspectBytes int
}

// NewMatcher creates a matcher; maxInspectBytes <= 0 selects the default cap
func NewMatcher(catalog *Catalog, maxInspectBytes int) *Matcher {
	if maxInspectBytes <= 0 {
		maxInspectBytes = DefaultMaxInspectBytes
	}
	return &Matcher{catalog: catalog, maxInspectBytes: maxInspectBytes}
}

// Catalog returns the catalog the matcher scans against
func (m *Matcher) Catalog() *Catalog {
	return m.catalog
}

// Match evaluates every pattern against every surface and returns all
// matches plus their summed contribution. Matching does not stop once a
// threshold is crossed.
func (m *Matcher) Match(s Surfaces) ([]Match, float64) {
	var (
		matches []Match
		total   float64
	)
	for _, surface := range []struct {
		name string
		text string
	}{
		{SurfacePath, s.PathAndQuery},
		{SurfaceUserAgent, s.UserAgent},
		{SurfaceBody, s.SerializedBody},
	} {
		for _, mt := range m.scan(surface.name, surface.text) {
			matches = append(matches, mt)
			total += mt.Contribution
		}
	}
	return matches, total
}

// scan never panics: a surface that trips the regexp engine yields no matches
func (m *Matcher) scan(name, text string) (out []Match) {
	if text == "" || m.catalog == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	if len(text) > m.maxInspectBytes {
		text = text[:m.maxInspectBytes]
	}
	for _, p := range m.catalog.patterns {
		if p.re.MatchString(text) {
			out = append(out, Match{
				Category:     p.Category,
				PatternID:    p.ID,
				Surface:      name,
				Contribution: p.Weight,
			})
		}
	}
	return out
}
