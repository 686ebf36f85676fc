package forwarder

import (
	"fmt"

	"doh-gateway/pkg/config"
)

// Rule is a compiled conditional forwarding rule
type Rule struct {
	Name      string
	Matcher   *DomainMatcher
	Upstreams []string
}

// RuleEvaluator picks the plaintext upstreams for a query name. Rules are
// tried in configuration order.
type RuleEvaluator struct {
	rules []*Rule
}

// NewRuleEvaluator compiles the configured forwarders
func NewRuleEvaluator(rules []config.ForwardingRule) (*RuleEvaluator, error) {
	e := &RuleEvaluator{rules: make([]*Rule, 0, len(rules))}

	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
		matcher, err := NewDomainMatcher(rules[i].Domains)
		if err != nil {
			return nil, fmt.Errorf("failed to compile forwarder %q: %w", rules[i].Name, err)
		}

		upstreams := make([]string, len(rules[i].Upstreams))
		for j, u := range rules[i].Upstreams {
			upstreams[j] = NormalizeUpstream(u)
		}

		e.rules = append(e.rules, &Rule{
			Name:      rules[i].Name,
			Matcher:   matcher,
			Upstreams: upstreams,
		})
	}

	return e, nil
}

// Match returns the first rule whose domains cover domain
func (e *RuleEvaluator) Match(domain string) (*Rule, bool) {
	if e == nil {
		return nil, false
	}
	for _, r := range e.rules {
		if r.Matcher.Matches(domain) {
			return r, true
		}
	}
	return nil, false
}

// Count returns the number of rules
func (e *RuleEvaluator) Count() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}
