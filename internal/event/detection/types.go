package detection

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the closed set of threat pattern categories
type Category int

const (
	SQLInjection Category = iota
	XSS
	DDoS
	Malware
	Suspicious
)

// Categories lists every category in declaration order
var Categories = []Category{SQLInjection, XSS, DDoS, Malware, Suspicious}

var ErrUnknownCategory = errors.New("unknown threat category")

func (c Category) String() string {
	switch c {
	case SQLInjection:
		return "sql_injection"
	case XSS:
		return "xss"
	case DDoS:
		return "ddos"
	case Malware:
		return "malware"
	case Suspicious:
		return "suspicious"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory maps the wire name of a category back to its value
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sql_injection":
		return SQLInjection, nil
	case "xss":
		return XSS, nil
	case "ddos":
		return DDoS, nil
	case "malware":
		return Malware, nil
	case "suspicious":
		return Suspicious, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Level is the coarse classification of a threat score
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelOf buckets a score: <0.3 low, <0.6 medium, <0.8 high, otherwise critical.
func LevelOf(score float64) Level {
	switch {
	case score < 0.3:
		return LevelLow
	case score < 0.6:
		return LevelMedium
	case score < 0.8:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Surfaces are the three text inputs scanned for each request
type Surfaces struct {
	PathAndQuery   string `json:"path_and_query"`
	UserAgent      string `json:"user_agent"`
	SerializedBody string `json:"serialized_body"`
}

// Match is one catalog pattern matching one surface
type Match struct {
	Category     Category `json:"category"`
	PatternID    string   `json:"pattern_id"`
	Surface      string   `json:"surface"`
	Contribution float64  `json:"contribution"`
}

// Label renders the match as "category:pattern_id"
func (m Match) Label() string {
	return m.Category.String() + ":" + m.PatternID
}
