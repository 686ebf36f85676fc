// Package resolver resolves host names through the configured bootstrap
// servers so the gateway never has to ask itself, or the host resolver, for
// the address of its own upstream.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"doh-gateway/pkg/logging"

	"github.com/miekg/dns"
)

// Answers are kept for their record TTL, clamped to these bounds.
const (
	minCacheTTL = 5 * time.Second
	maxCacheTTL = 5 * time.Minute
)

// Resolver looks up A/AAAA records against bootstrap servers, remembers the
// answers for their TTL and dials the result.
type Resolver struct {
	servers []string
	strict  bool // never fall back to the system resolver
	client  *dns.Client
	dialer  net.Dialer
	logger  *logging.Logger

	mu    sync.Mutex
	known map[string]cachedAddrs
	now   func() time.Time
}

type cachedAddrs struct {
	addrs   []netip.Addr
	expires time.Time
}

// Option adjusts a Resolver.
type Option func(*Resolver)

// Strict makes lookups fail instead of falling back to the system resolver
// once every bootstrap server has failed.
func Strict() Option {
	return func(r *Resolver) { r.strict = true }
}

// WithDialTimeout bounds the TCP connect in DialContext.
func WithDialTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.dialer.Timeout = d
		}
	}
}

// New creates a resolver over servers. A server without a port uses 53. With
// no servers the system resolver is used.
func New(servers []string, logger *logging.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		client: &dns.Client{Net: "udp", Timeout: 3 * time.Second},
		dialer: net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		logger: logger,
		known:  make(map[string]cachedAddrs),
		now:    time.Now,
	}
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		r.servers = append(r.servers, s)
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(r.servers) == 0 {
		logger.Debug("No bootstrap servers, names resolve through the system")
	} else {
		logger.Info("Bootstrap resolver ready", "servers", r.servers, "strict", r.strict)
	}
	return r
}

// Servers returns the bootstrap servers in query order.
func (r *Resolver) Servers() []string {
	return r.servers
}

// LookupIP resolves host. network is "ip", "ip4" or "ip6".
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if len(r.servers) == 0 {
		return r.system(ctx, network, host)
	}

	key := network + "/" + dns.CanonicalName(host)
	if addrs, ok := r.cached(key); ok {
		return addrs, nil
	}

	qtypes := []uint16{dns.TypeA, dns.TypeAAAA}
	switch network {
	case "ip4":
		qtypes = qtypes[:1]
	case "ip6":
		qtypes = qtypes[1:]
	}

	var errs []error
	for _, server := range r.servers {
		addrs, ttl, err := r.query(ctx, server, host, qtypes)
		if err != nil {
			r.logger.Warn("Bootstrap lookup failed", "host", host, "server", server, "error", err)
			errs = append(errs, err)
			continue
		}
		r.remember(key, addrs, ttl)
		r.logger.Debug("Bootstrap lookup", "host", host, "server", server, "addrs", addrs, "ttl", ttl)
		return addrs, nil
	}

	failed := errors.Join(errs...)
	if r.strict {
		return nil, fmt.Errorf("resolve %s (strict): %w", host, failed)
	}
	r.logger.Warn("Bootstrap servers exhausted, asking the system resolver", "host", host)
	addrs, err := r.system(ctx, network, host)
	if err != nil {
		return nil, errors.Join(failed, err)
	}
	return addrs, nil
}

// query asks one server for every type in qtypes. The returned TTL is the
// smallest seen across the answers.
func (r *Resolver) query(ctx context.Context, server, host string, qtypes []uint16) ([]netip.Addr, time.Duration, error) {
	var addrs []netip.Addr
	ttl := maxCacheTTL
	name := dns.CanonicalName(host)
	for _, qtype := range qtypes {
		req := new(dns.Msg)
		req.SetQuestion(name, qtype)
		resp, _, err := r.client.ExchangeContext(ctx, req, server)
		if err != nil {
			return nil, 0, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, 0, fmt.Errorf("%s: %s for %s", server, dns.RcodeToString[resp.Rcode], host)
		}
		for _, rr := range resp.Answer {
			var ip net.IP
			switch rec := rr.(type) {
			case *dns.A:
				ip = rec.A
			case *dns.AAAA:
				ip = rec.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a.Unmap())
			}
			if d := time.Duration(rr.Header().Ttl) * time.Second; d < ttl {
				ttl = d
			}
		}
	}
	if len(addrs) == 0 {
		return nil, 0, fmt.Errorf("%s: no addresses for %s", server, host)
	}
	return addrs, max(ttl, minCacheTTL), nil
}

func (r *Resolver) system(ctx context.Context, network, host string) ([]netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	for i := range ips {
		ips[i] = ips[i].Unmap()
	}
	return ips, nil
}

func (r *Resolver) cached(key string) ([]netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.known[key]
	if !ok {
		return nil, false
	}
	if !r.now().Before(c.expires) {
		delete(r.known, key)
		return nil, false
	}
	return c.addrs, true
}

func (r *Resolver) remember(key string, addrs []netip.Addr, ttl time.Duration) {
	r.mu.Lock()
	r.known[key] = cachedAddrs{addrs: addrs, expires: r.now().Add(ttl)}
	r.mu.Unlock()
}

// DialContext dials addr, resolving a host name through the bootstrap
// servers. Addresses are tried in answer order. It fits
// http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	addrs, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, a := range addrs {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("dial %s: %w", addr, errors.Join(errs...))
}
