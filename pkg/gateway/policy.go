package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	"doh-gateway/pkg/blocklist"
	"doh-gateway/pkg/config"
	"doh-gateway/pkg/forwarder"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/pattern"
	"doh-gateway/pkg/policy"
	"doh-gateway/pkg/whitelist"
)

// Rules is an immutable snapshot of the filter settings built from one
// configuration. A reload replaces the whole snapshot.
type Rules struct {
	AllowAllQueries bool
	IPv6            bool
	NoFilter        bool

	Whitelist  *whitelist.List
	Patterns   *pattern.Matcher
	Engine     *policy.Engine
	Forwarders *forwarder.RuleEvaluator
}

// BuildRules compiles the filter and forwarder sections of cfg.
func BuildRules(cfg *config.Config, logger *logging.Logger) (*Rules, error) {
	wl, err := whitelist.New(cfg.Filter.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("failed to build whitelist: %w", err)
	}
	patterns, err := pattern.NewMatcher(cfg.Filter.Patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to compile patterns: %w", err)
	}
	engine, err := policy.FromConfig(cfg.Filter.Rules, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	forwarders, err := forwarder.NewRuleEvaluator(cfg.Forwarders)
	if err != nil {
		return nil, fmt.Errorf("failed to compile forwarders: %w", err)
	}

	return &Rules{
		AllowAllQueries: cfg.Filter.AllowAllQueries,
		IPv6:            cfg.Filter.IPv6,
		NoFilter:        cfg.Filter.NoFilter,
		Whitelist:       wl,
		Patterns:        patterns,
		Engine:          engine,
		Forwarders:      forwarders,
	}, nil
}

// Policy is the domain policy shared by every worker: the current Rules
// snapshot plus the blocklist manager, which refreshes itself.
type Policy struct {
	rules     atomic.Pointer[Rules]
	blocklist *blocklist.Manager
	logger    *logging.Logger
}

// NewPolicy builds the initial snapshot. blocklists may be nil.
func NewPolicy(cfg *config.Config, blocklists *blocklist.Manager, logger *logging.Logger) (*Policy, error) {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	rules, err := BuildRules(cfg, logger)
	if err != nil {
		return nil, err
	}
	p := &Policy{blocklist: blocklists, logger: logger.Component("policy")}
	p.rules.Store(rules)
	p.logger.Info("Domain policy loaded",
		"whitelist", rules.Whitelist.Len(),
		"patterns", rules.Patterns.Len(),
		"rules", rules.Engine.Count(),
		"forwarders", rules.Forwarders.Count(),
	)
	return p, nil
}

// Reload swaps in a snapshot built from cfg and refetches the blocklists
// before returning. On error the previous snapshot stays in place.
func (p *Policy) Reload(ctx context.Context, cfg *config.Config) error {
	rules, err := BuildRules(cfg, p.logger)
	if err != nil {
		p.logger.Error("Keeping previous domain policy", "error", err)
		return err
	}
	if p.blocklist != nil {
		p.blocklist.Reconfigure(ctx, &cfg.Filter)
	}
	p.rules.Store(rules)
	p.logger.Info("Domain policy reloaded",
		"whitelist", rules.Whitelist.Len(),
		"patterns", rules.Patterns.Len(),
		"rules", rules.Engine.Count(),
		"forwarders", rules.Forwarders.Count(),
	)
	return nil
}

// Rules returns the current snapshot.
func (p *Policy) Rules() *Rules {
	return p.rules.Load()
}

// Block returns the label of the first source that rejects domain:
// blocklists, then patterns, then expression rules.
func (p *Policy) Block(rules *Rules, domain, qtype string) (string, bool) {
	if p.blocklist != nil {
		if label, ok := p.blocklist.Match(domain); ok {
			return label, true
		}
	}
	if raw, ok := rules.Patterns.Find(domain); ok {
		return "pattern " + raw, true
	}
	if label, ok := rules.Engine.Match(domain, qtype); ok {
		return label, true
	}
	return "", false
}
