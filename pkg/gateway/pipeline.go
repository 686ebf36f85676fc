// Package gateway admits raw DNS queries, decides where each one goes and
// runs the session workers and the UDP listener around that decision.
package gateway

import (
	"strings"

	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/forwarder"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/telemetry"
	"doh-gateway/pkg/wire"

	"github.com/miekg/dns"
)

// Route is the outcome of admitting one query.
type Route int

const (
	// RouteDrop discards the query without an answer.
	RouteDrop Route = iota
	// RouteRespondLocally answers from the returned bytes.
	RouteRespondLocally
	// RouteForwardPlaintext relays the query to a conditional forwarder.
	RouteForwardPlaintext
	// RouteForwardEncrypted sends the query over the DoH session.
	RouteForwardEncrypted
)

func (r Route) String() string {
	switch r {
	case RouteDrop:
		return "drop"
	case RouteRespondLocally:
		return "respond"
	case RouteForwardPlaintext:
		return "forward-plaintext"
	case RouteForwardEncrypted:
		return "forward-encrypted"
	default:
		return "unknown"
	}
}

// Verdict is a Route with the details the worker needs to act on it.
type Verdict struct {
	Route  Route
	Reply  []byte // set for RouteRespondLocally
	Domain string
	Type   uint16
	IPv6   bool
	Reason string
	Rule   *forwarder.Rule // set for RouteForwardPlaintext
}

// Pipeline classifies queries for one worker. It owns the worker's cache
// slot and is not safe for concurrent use.
type Pipeline struct {
	policy      *Policy
	slot        *cache.Slot
	counters    *telemetry.Counters
	logger      *logging.Logger
	sessionOpen func() bool
}

// NewPipeline creates a pipeline over policy. counters may be shared between
// pipelines.
func NewPipeline(policy *Policy, slot *cache.Slot, counters *telemetry.Counters, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if counters == nil {
		counters = telemetry.NewCounters(nil)
	}
	if slot == nil {
		slot = cache.NewSlot(nil)
	}
	return &Pipeline{
		policy:      policy,
		slot:        slot,
		counters:    counters,
		logger:      logger,
		sessionOpen: func() bool { return false },
	}
}

// Classify admits raw and returns where it goes. The returned bytes are the
// local answer for RouteRespondLocally and nil otherwise.
func (p *Pipeline) Classify(raw []byte) (Route, []byte) {
	v := p.ClassifyQuery(raw)
	return v.Route, v.Reply
}

// ClassifyQuery is Classify with the decoded question and the reason for the
// decision. NXDOMAIN answers are built in raw itself.
func (p *Pipeline) ClassifyQuery(raw []byte) Verdict {
	q, reason, err := decodeQuery(raw)
	if reason != "" {
		p.logger.Debug("Dropping query", "reason", reason, "domain", q.Domain, "error", err)
		return Verdict{Route: RouteDrop, Reason: reason}
	}

	v := Verdict{Domain: q.Domain, Type: q.Type, IPv6: q.IsIPv6()}
	p.slot.Clear()

	rules := p.policy.Rules()
	if !rules.AllowAllQueries {
		switch q.Type {
		case dns.TypeA:
		case dns.TypeAAAA:
			if !rules.IPv6 {
				// Not a filtered query: undo the caller's received count and
				// pre-undo the drop the shared exit is about to count.
				p.counters.AddReceived(-1)
				p.counters.AddDropped(-1)
				return p.dropNXDomain(raw, v, "ipv6 disabled")
			}
		case dns.TypePTR:
			return p.dropNXDomain(raw, v, "reverse lookup")
		default:
			p.logger.Info("Dropping unsupported query type", "domain", q.Domain, "qtype", wire.TypeName(q.Type))
			v.Route = RouteDrop
			v.Reason = "query type " + wire.TypeName(q.Type)
			return v
		}
	}

	if !rules.Whitelist.Allowed(q.Domain) {
		return p.dropNXDomain(raw, v, "not whitelisted")
	}

	if !rules.NoFilter {
		if label, ok := p.policy.Block(rules, q.Domain, wire.TypeName(q.Type)); ok {
			return p.dropNXDomain(raw, v, label)
		}
	}

	if !strings.Contains(q.Domain, ".") {
		return p.dropNXDomain(raw, v, "single label name")
	}

	if q.Len <= cache.MaxNameLen {
		hdr, _ := wire.DecodeHeader(raw)
		if reply := p.slot.Lookup(hdr.ID, q.Domain, v.IPv6); reply != nil {
			p.counters.IncCached()
			p.logger.Debug("Answered from cache", "domain", q.Domain, "ipv6", v.IPv6)
			v.Route = RouteRespondLocally
			v.Reply = reply
			v.Reason = "cached"
			return v
		}
		p.slot.Stage(q.Domain, v.IPv6)
	}

	if rule, ok := rules.Forwarders.Match(q.Domain); ok {
		p.counters.IncForwarded()
		p.logger.Debug("Forwarding query in the clear", "domain", q.Domain, "forwarder", rule.Name)
		v.Route = RouteForwardPlaintext
		v.Rule = rule
		v.Reason = "forwarder " + rule.Name
		return v
	}

	p.logger.Debug("Forwarding query upstream", "domain", q.Domain, "encrypted", p.sessionOpen())
	v.Route = RouteForwardEncrypted
	v.Reason = "upstream"
	return v
}

// dropNXDomain is the shared exit for every policy rejection.
func (p *Pipeline) dropNXDomain(raw []byte, v Verdict, reason string) Verdict {
	SynthesizeNXDomain(raw)
	p.counters.AddDropped(1)
	p.logger.Info("Request dropped", "domain", v.Domain, "qtype", wire.TypeName(v.Type), "reason", reason)
	v.Route = RouteRespondLocally
	v.Reply = raw
	v.Reason = reason
	return v
}

// decodeQuery checks that raw is a plain query with exactly one question and
// nothing after it. A non-empty reason means raw must be dropped.
func decodeQuery(raw []byte) (wire.Question, string, error) {
	hdr, err := wire.DecodeHeader(raw)
	if err != nil {
		return wire.Question{}, "malformed header", err
	}
	if hdr.IsResponse() || hdr.HasReservedBits() ||
		hdr.Questions != 1 || hdr.Answers != 0 || hdr.Authority != 0 || hdr.Additional != 0 {
		return wire.Question{}, "unsupported header", nil
	}
	q, end, err := wire.DecodeQuestion(raw, wire.HeaderLen)
	if err != nil {
		return wire.Question{}, "malformed question", err
	}
	if end != len(raw) {
		return q, "trailing data", nil
	}
	return q, "", nil
}
