// Package whitelist implements the allow-list. When any entry is configured,
// only listed names and their subdomains are resolved.
package whitelist

import (
	"fmt"
	"strings"

	"doh-gateway/pkg/pattern"
)

// List is an immutable allow-list.
type List struct {
	matcher *pattern.Matcher
	size    int
}

// New builds a list from entries. Plain names cover themselves and every
// subdomain; wildcard and regex entries keep pattern semantics.
func New(entries []string) (*List, error) {
	expanded := make([]string, 0, 2*len(entries))
	size := 0
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" || strings.HasPrefix(e, "#") {
			continue
		}
		size++

		p, err := pattern.Parse(e)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", e, err)
		}
		expanded = append(expanded, p.Raw)
		if p.Kind == pattern.KindExact {
			expanded = append(expanded, "*."+p.Raw)
		}
	}

	m, err := pattern.NewMatcher(expanded)
	if err != nil {
		return nil, err
	}
	return &List{matcher: m, size: size}, nil
}

// Active reports whether the list restricts anything.
func (l *List) Active() bool {
	return l != nil && l.size > 0
}

// Allowed reports whether domain may be resolved. An inactive list allows everything.
func (l *List) Allowed(domain string) bool {
	if !l.Active() {
		return true
	}
	return l.matcher.Match(domain)
}

// Len returns the number of configured entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return l.size
}
