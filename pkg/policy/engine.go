// Package policy evaluates user-defined expr rules against query names.
package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule actions
const (
	ActionBlock = "BLOCK"
	ActionAllow = "ALLOW"
)

// Engine holds compiled rules and evaluates them in order
type Engine struct {
	logger *logging.Logger
	rules  []*Rule
	mu     sync.RWMutex
}

// Rule is a compiled policy rule
type Rule struct {
	Name    string
	Logic   string
	Action  string
	Enabled bool
	program *vm.Program
}

// Context is the environment a rule expression sees
type Context struct {
	Domain    string
	QueryType string
	IPv6      bool
	Hour      int
	Minute    int
	Day       int
	Month     int
	Weekday   int // 0 = Sunday
	Time      time.Time
}

// NewContext builds the rule environment for a query at the current time
func NewContext(domain, queryType string) Context {
	return newContextAt(domain, queryType, time.Now())
}

func newContextAt(domain, queryType string, now time.Time) Context {
	return Context{
		Domain:    domain,
		QueryType: queryType,
		IPv6:      queryType == "AAAA",
		Hour:      now.Hour(),
		Minute:    now.Minute(),
		Day:       now.Day(),
		Month:     int(now.Month()),
		Weekday:   int(now.Weekday()),
		Time:      now,
	}
}

// NewEngine creates an empty engine. logger may be nil.
func NewEngine(logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Engine{logger: logger}
}

// FromConfig compiles every configured rule
func FromConfig(rules []config.Rule, logger *logging.Logger) (*Engine, error) {
	e := NewEngine(logger)
	for _, r := range rules {
		rule := &Rule{Name: r.Name, Logic: r.Logic, Action: r.Action, Enabled: r.Enabled}
		if err := e.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AddRule compiles rule and appends it. The expression must evaluate to a bool.
func (e *Engine) AddRule(rule *Rule) error {
	program, err := expr.Compile(rule.Logic, compileOptions()...)
	if err != nil {
		return fmt.Errorf("failed to compile rule %q: %w", rule.Name, err)
	}
	rule.program = program

	rule.Action = strings.ToUpper(rule.Action)
	if rule.Action == "" {
		rule.Action = ActionBlock
	}

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()
	return nil
}

// RemoveRule deletes the first rule named name
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.rules {
		if r.Name == name {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Evaluate returns the first enabled rule whose expression is true
func (e *Engine) Evaluate(ctx Context) (bool, *Rule) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !rule.Enabled || rule.program == nil {
			continue
		}

		out, err := expr.Run(rule.program, ctx)
		if err != nil {
			e.logger.Warn("Policy rule evaluation failed", "rule", rule.Name, "domain", ctx.Domain, "error", err)
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true, rule
		}
	}
	return false, nil
}

// Match reports whether a BLOCK rule fires for the query; the returned label
// is the rule name. An ALLOW rule that fires first stops evaluation.
func (e *Engine) Match(domain, queryType string) (string, bool) {
	if e == nil || e.Count() == 0 {
		return "", false
	}
	matched, rule := e.Evaluate(NewContext(domain, queryType))
	if !matched || rule.Action != ActionBlock {
		return "", false
	}
	return rule.Name, true
}

// Count returns the number of rules
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// GetRules returns a copy of the rule list
func (e *Engine) GetRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Clear removes every rule
func (e *Engine) Clear() {
	e.mu.Lock()
	e.rules = nil
	e.mu.Unlock()
}

func compileOptions() []expr.Option {
	return []expr.Option{
		expr.Env(Context{}),
		expr.AsBool(),
		expr.Function("DomainMatches", func(params ...any) (any, error) {
			return DomainMatches(params[0].(string), params[1].(string)), nil
		}, new(func(string, string) bool)),
		expr.Function("DomainEndsWith", func(params ...any) (any, error) {
			return DomainEndsWith(params[0].(string), params[1].(string)), nil
		}, new(func(string, string) bool)),
		expr.Function("DomainRegex", func(params ...any) (any, error) {
			return DomainRegex(params[0].(string), params[1].(string))
		}, new(func(string, string) bool)),
		expr.Function("DomainLevelCount", func(params ...any) (any, error) {
			return DomainLevelCount(params[0].(string)), nil
		}, new(func(string) int)),
		expr.Function("QueryTypeIn", func(params ...any) (any, error) {
			types := make([]string, 0, len(params)-1)
			for _, p := range params[1:] {
				types = append(types, p.(string))
			}
			return QueryTypeIn(params[0].(string), types...), nil
		}, new(func(string, ...string) bool)),
		expr.Function("IsWeekend", func(params ...any) (any, error) {
			return IsWeekend(params[0].(int)), nil
		}, new(func(int) bool)),
		expr.Function("InTimeRange", func(params ...any) (any, error) {
			return InTimeRange(params[0].(int), params[1].(int), params[2].(int), params[3].(int), params[4].(int), params[5].(int)), nil
		}, new(func(int, int, int, int, int, int) bool)),
	}
}
