// Package pattern matches query names against domain patterns.
//
// Three kinds are recognised from the pattern text:
//   - Exact: example.com
//   - Wildcard: *.example.com (subdomains only)
//   - Regex: anything containing regex metacharacters, e.g. ^ads?\.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the type of a domain pattern.
type Kind int

const (
	KindExact Kind = iota
	KindWildcard
	KindRegex
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindWildcard:
		return "wildcard"
	case KindRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// Pattern is one parsed domain pattern.
type Pattern struct {
	Raw    string // pattern as configured
	Kind   Kind
	suffix string // ".example.com" for wildcards
	re     *regexp.Regexp
}

const regexMeta = `()[]{}^$|\+?`

func isRegex(s string) bool {
	return strings.ContainsAny(s, regexMeta) ||
		strings.Contains(s, ".*") ||
		strings.Contains(s, ".+")
}

// Normalize lower-cases a name and strips the trailing dot.
func Normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// Parse classifies and compiles a pattern. Exact and wildcard patterns are
// normalized; regexes are kept verbatim.
func Parse(raw string) (*Pattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	if strings.HasPrefix(raw, "*.") {
		base := Normalize(raw[2:])
		if base == "" {
			return nil, fmt.Errorf("wildcard pattern %q has no domain", raw)
		}
		return &Pattern{Raw: "*." + base, Kind: KindWildcard, suffix: "." + base}, nil
	}

	if isRegex(raw) {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern %q: %w", raw, err)
		}
		return &Pattern{Raw: raw, Kind: KindRegex, re: re}, nil
	}

	return &Pattern{Raw: Normalize(raw), Kind: KindExact}, nil
}

// Match reports whether a normalized domain matches the pattern.
func (p *Pattern) Match(domain string) bool {
	switch p.Kind {
	case KindExact:
		return domain == p.Raw
	case KindWildcard:
		return strings.HasSuffix(domain, p.suffix)
	case KindRegex:
		return p.re.MatchString(domain)
	}
	return false
}

func (p *Pattern) String() string {
	return fmt.Sprintf("%s(%s)", p.Kind, p.Raw)
}

// Matcher holds a set of patterns. Exact names and wildcard suffixes are
// indexed by map so a lookup costs one probe per label of the query name;
// regexes are tried last, in configuration order.
//
// A Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	exact    map[string]struct{}
	wildcard map[string]string // base domain -> raw pattern
	regex    []*Pattern
}

// NewMatcher parses every pattern. The first invalid one aborts construction.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{
		exact:    make(map[string]struct{}, len(patterns)),
		wildcard: make(map[string]string),
	}

	for _, raw := range patterns {
		p, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pattern %q: %w", raw, err)
		}
		m.add(p)
	}

	return m, nil
}

func (m *Matcher) add(p *Pattern) {
	switch p.Kind {
	case KindExact:
		m.exact[p.Raw] = struct{}{}
	case KindWildcard:
		m.wildcard[p.suffix[1:]] = p.Raw
	case KindRegex:
		m.regex = append(m.regex, p)
	}
}

// Match reports whether domain matches any pattern.
func (m *Matcher) Match(domain string) bool {
	_, ok := m.Find(domain)
	return ok
}

// Find returns the first pattern matching domain.
func (m *Matcher) Find(domain string) (string, bool) {
	if m == nil {
		return "", false
	}

	if _, ok := m.exact[domain]; ok {
		return domain, true
	}

	if len(m.wildcard) > 0 {
		for i := strings.IndexByte(domain, '.'); i >= 0; {
			parent := domain[i+1:]
			if raw, ok := m.wildcard[parent]; ok {
				return raw, true
			}
			next := strings.IndexByte(parent, '.')
			if next < 0 {
				break
			}
			i += next + 1
		}
	}

	for _, p := range m.regex {
		if p.Match(domain) {
			return p.Raw, true
		}
	}

	return "", false
}

// Len returns the number of patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.exact) + len(m.wildcard) + len(m.regex)
}

// Stats returns pattern counts per kind.
func (m *Matcher) Stats() map[string]int {
	return map[string]int{
		"exact":    len(m.exact),
		"wildcard": len(m.wildcard),
		"regex":    len(m.regex),
		"total":    m.Len(),
	}
}
