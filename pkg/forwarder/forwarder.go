// Package forwarder relays queries in the clear to plain DNS resolvers: the
// conditional forwarders and the fallback servers.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"doh-gateway/pkg/logging"

	"github.com/miekg/dns"
)

// maxAttempts bounds how many upstreams one query may try.
const maxAttempts = 2

var (
	ErrNoUpstreams  = errors.New("no upstream resolvers")
	ErrNoQuestion   = errors.New("query has no question")
	ErrServerFailed = errors.New("SERVFAIL")
)

// UpstreamError ties an exchange failure to the resolver that produced it.
type UpstreamError struct {
	Upstream string
	Err      error
}

func (e *UpstreamError) Error() string { return e.Upstream + ": " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Forwarder exchanges queries with plaintext resolvers. Successive calls
// start at successive upstreams, and each upstream has a circuit breaker.
type Forwarder struct {
	udp    *dns.Client
	tcp    *dns.Client
	health *UpstreamHealth
	next   atomic.Uint32
	logger *logging.Logger
}

// New creates a forwarder whose single exchanges time out after timeout.
func New(logger *logging.Logger, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Forwarder{
		udp:    &dns.Client{Net: "udp", Timeout: timeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: timeout},
		health: NewUpstreamHealth(DefaultBreakerSettings()),
		logger: logger,
	}
}

// NormalizeUpstream adds port 53 when addr has none.
func NormalizeUpstream(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "53")
}

// Forward sends q to at most two upstreams and returns the first usable
// answer. NXDOMAIN counts as an answer; SERVFAIL does not. A truncated UDP
// answer is retried over TCP against the same upstream.
func (f *Forwarder) Forward(ctx context.Context, upstreams []string, q *dns.Msg) (*dns.Msg, error) {
	if len(upstreams) == 0 {
		return nil, ErrNoUpstreams
	}
	if len(q.Question) == 0 {
		return nil, ErrNoQuestion
	}

	start := int(f.next.Add(1)-1) % len(upstreams)
	var errs []error
	attempts := 0
	for i := 0; i < len(upstreams) && attempts < maxAttempts; i++ {
		upstream := NormalizeUpstream(upstreams[(start+i)%len(upstreams)])
		if !f.health.Allow(upstream) {
			errs = append(errs, &UpstreamError{upstream, ErrCircuitOpen})
			continue
		}
		attempts++

		resp, err := f.exchange(ctx, upstream, q)
		f.health.Record(upstream, err)
		if err == nil {
			return resp, nil
		}
		f.logger.Warn("Plaintext exchange failed", "upstream", upstream, "domain", q.Question[0].Name, "attempt", attempts, "error", err)
		errs = append(errs, err)
	}

	if attempts == 0 {
		return nil, ErrNoHealthyUpstreams
	}
	return nil, errors.Join(errs...)
}

func (f *Forwarder) exchange(ctx context.Context, upstream string, q *dns.Msg) (*dns.Msg, error) {
	resp, rtt, err := f.udp.ExchangeContext(ctx, q, upstream)
	if err == nil && resp != nil && resp.Truncated {
		resp, rtt, err = f.tcp.ExchangeContext(ctx, q, upstream)
	}
	switch {
	case err != nil:
		return nil, &UpstreamError{upstream, err}
	case resp == nil:
		return nil, &UpstreamError{upstream, errors.New("empty response")}
	case resp.Rcode == dns.RcodeServerFailure:
		return nil, &UpstreamError{upstream, ErrServerFailed}
	}
	f.logger.Debug("Plaintext exchange", "upstream", upstream, "domain", q.Question[0].Name,
		"rcode", dns.RcodeToString[resp.Rcode], "answers", len(resp.Answer), "rtt", rtt)
	return resp, nil
}

// ForwardRaw is Forward on wire-format messages. The answer carries the
// query's ID.
func (f *Forwarder) ForwardRaw(ctx context.Context, upstreams []string, raw []byte) ([]byte, error) {
	q := new(dns.Msg)
	if err := q.Unpack(raw); err != nil {
		return nil, fmt.Errorf("unpack query: %w", err)
	}
	resp, err := f.Forward(ctx, upstreams, q)
	if err != nil {
		return nil, err
	}
	resp.Id = q.Id
	resp.Compress = true
	return resp.Pack()
}

// Health exposes the per-upstream circuit breakers.
func (f *Forwarder) Health() *UpstreamHealth {
	return f.health
}
