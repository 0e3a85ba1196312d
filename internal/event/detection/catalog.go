package detection

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var ErrInvalidPattern = errors.New("invalid threat pattern")

// Pattern is a compiled catalog entry. Patterns are immutable once the
// catalog is built and are shared read-only across requests.
type Pattern struct {
	ID         string
	Expression string
	Category   Category
	Weight     float64
	re         *regexp.Regexp
}

// PatternSpec is the uncompiled form of a Pattern, as declared in code or YAML
type PatternSpec struct {
	ID         string   `yaml:"id"`
	Category   Category `yaml:"category"`
	Expression string   `yaml:"expression"`
	// Weight overrides the category weight when non-zero
	Weight float64 `yaml:"weight,omitempty"`
}

// CatalogFile is the YAML layout accepted by LoadCatalogFile
type CatalogFile struct {
	Weights  map[string]float64 `yaml:"weights"`
	Patterns []PatternSpec      `yaml:"patterns"`
}

// DefaultWeights is the severity weight per category
var DefaultWeights = map[Category]float64{
	SQLInjection: 0.9,
	XSS:          0.8,
	DDoS:         0.7,
	Malware:      0.9,
	Suspicious:   0.4,
}

// DefaultPatterns is the built-in catalog
var DefaultPatterns = []PatternSpec{
	{ID: "union-select", Category: SQLInjection, Expression: `\bunion\b[\s/*+]+(all[\s/*+]+)?select\b`},
	{ID: "select-from", Category: SQLInjection, Expression: `\bselect\b.+\bfrom\b`},
	{ID: "ddl-dml", Category: SQLInjection, Expression: `\b(insert\s+into|delete\s+from|drop\s+(table|database)|truncate\s+table|alter\s+table)\b`},
	{ID: "tautology", Category: SQLInjection, Expression: `['"]\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+`},
	{ID: "time-based", Category: SQLInjection, Expression: `\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`},
	{ID: "stacked-query", Category: SQLInjection, Expression: `;\s*(drop|shutdown|exec(ute)?|declare)\b`},

	{ID: "script-tag", Category: XSS, Expression: `<\s*/?\s*script\b`},
	{ID: "js-scheme", Category: XSS, Expression: `\bjavascript\s*:`},
	{ID: "event-handler", Category: XSS, Expression: `\bon(error|load|click|mouseover|focus|blur|submit)\s*=`},
	{ID: "embed-tag", Category: XSS, Expression: `<\s*(iframe|object|embed|svg|img\s+[^>]*src\s*=)`},
	{ID: "document-cookie", Category: XSS, Expression: `\bdocument\.(cookie|location|write)\b`},

	{ID: "flood-tool", Category: DDoS, Expression: `\b(loic|hoic|slowloris|hulk|goldeneye|xerxes|torshammer)\b`},

	{ID: "shell-exec", Category: Malware, Expression: `(\bcmd\.exe\b|/bin/(ba)?sh\b|\bpowershell(\.exe)?\s+-)`},
	{ID: "remote-fetch", Category: Malware, Expression: `\b(wget|curl)\s+(-\w+\s+)*https?://`},
	{ID: "php-eval", Category: Malware, Expression: `\beval\s*\(\s*(base64_decode|gzinflate|str_rot13)\s*\(`},
	{ID: "webshell", Category: Malware, Expression: `\b(c99|r57|b374k|wso)(shell)?\.php\b`},

	{ID: "scanner-ua", Category: Suspicious, Expression: `\b(sqlmap|nikto|nmap|masscan|dirbuster|gobuster|wpscan|acunetix|nessus|zgrab)\b`},
	{ID: "path-traversal", Category: Suspicious, Expression: `(\.\./|\.\.\\)`},
	{ID: "sensitive-file", Category: Suspicious, Expression: `(/etc/(passwd|shadow)|/proc/self/|\.env\b|\.git/|wp-config\.php)`},
}

// Catalog is an ordered, deduplicated, compiled set of patterns
type Catalog struct {
	patterns   []Pattern
	duplicates int
}

// NewCatalog compiles specs into a catalog. Entries sharing the same
// (expression, category) pair collapse onto the first occurrence. Any
// expression that fails to compile aborts the whole catalog.
func NewCatalog(specs []PatternSpec, weights map[Category]float64) (*Catalog, error) {
	type identity struct {
		expr     string
		category Category
	}
	seen := make(map[identity]struct{}, len(specs))
	c := &Catalog{patterns: make([]Pattern, 0, len(specs))}

	for i, spec := range specs {
		if spec.Expression == "" {
			return nil, fmt.Errorf("%w: entry %d has an empty expression", ErrInvalidPattern, i)
		}
		key := identity{expr: spec.Expression, category: spec.Category}
		if _, dup := seen[key]; dup {
			c.duplicates++
			continue
		}
		seen[key] = struct{}{}

		re, err := regexp.Compile("(?i)" + spec.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPattern, spec.ID, err)
		}
		weight := spec.Weight
		if weight == 0 {
			weight = weights[spec.Category]
		}
		id := spec.ID
		if id == "" {
			id = fmt.Sprintf("p%d", i)
		}
		c.patterns = append(c.patterns, Pattern{
			ID:         id,
			Expression: spec.Expression,
			Category:   spec.Category,
			Weight:     weight,
			re:         re,
		})
	}
	return c, nil
}

// DefaultCatalog compiles the built-in patterns; it panics on a bad
// built-in expression since that can only be a programming error.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPatterns, DefaultWeights)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalogFile reads a YAML catalog. Weights missing from the file fall
// back to DefaultWeights; an empty pattern list falls back to DefaultPatterns.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	weights := make(map[Category]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		weights[k] = v
	}
	for name, w := range file.Weights {
		cat, err := ParseCategory(name)
		if err != nil {
			return nil, err
		}
		weights[cat] = w
	}

	specs := file.Patterns
	if len(specs) == 0 {
		specs = DefaultPatterns
	}
	return NewCatalog(specs, weights)
}

// Patterns returns the compiled patterns in catalog order
func (c *Catalog) Patterns() []Pattern {
	return c.patterns
}

// Len is the number of distinct patterns
func (c *Catalog) Len() int {
	return len(c.patterns)
}

// Duplicates is the number of entries dropped during deduplication
func (c *Catalog) Duplicates() int {
	return c.duplicates
}
