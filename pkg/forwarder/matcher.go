package forwarder

import (
	"fmt"
	"regexp"
	"strings"
)

// DomainMatcher matches query names against forwarding patterns:
//   - "nas.lan" matches only nas.lan
//   - "*.lan" matches lan and every name below it
//   - "internal.*" matches any name whose first label is internal
//   - "/^[a-z]+\.lan$/" is a regular expression
type DomainMatcher struct {
	exact    map[string]struct{}
	suffixes []string // ".lan"
	prefixes []string // "internal."
	regexes  []*regexp.Regexp
}

// NewDomainMatcher compiles patterns; empty entries are skipped
func NewDomainMatcher(patterns []string) (*DomainMatcher, error) {
	dm := &DomainMatcher{exact: make(map[string]struct{})}
	for _, p := range patterns {
		if err := dm.add(p); err != nil {
			return nil, err
		}
	}
	return dm, nil
}

func (dm *DomainMatcher) add(raw string) error {
	p := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
	switch {
	case p == "":
		return nil
	case len(p) > 2 && p[0] == '/' && p[len(p)-1] == '/':
		re, err := regexp.Compile(p[1 : len(p)-1])
		if err != nil {
			return fmt.Errorf("invalid domain regex %q: %w", raw, err)
		}
		dm.regexes = append(dm.regexes, re)
	case strings.HasPrefix(p, "*."):
		if base := p[2:]; base != "" {
			dm.suffixes = append(dm.suffixes, "."+base)
		}
	case strings.HasSuffix(p, ".*"):
		if prefix := p[:len(p)-2]; prefix != "" {
			dm.prefixes = append(dm.prefixes, prefix+".")
		}
	default:
		dm.exact[p] = struct{}{}
	}
	return nil
}

// Matches reports whether domain matches any pattern
func (dm *DomainMatcher) Matches(domain string) bool {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")

	if _, ok := dm.exact[domain]; ok {
		return true
	}
	for _, s := range dm.suffixes {
		if strings.HasSuffix(domain, s) || domain == s[1:] {
			return true
		}
	}
	for _, p := range dm.prefixes {
		if strings.HasPrefix(domain, p) {
			return true
		}
	}
	for _, re := range dm.regexes {
		if re.MatchString(domain) {
			return true
		}
	}
	return false
}

// Count returns the number of patterns
func (dm *DomainMatcher) Count() int {
	return len(dm.exact) + len(dm.suffixes) + len(dm.prefixes) + len(dm.regexes)
}
