// Package ratelimit throttles queries per client address with token buckets.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"

	"golang.org/x/time/rate"
)

// Manager keeps one token bucket per client address.
type Manager struct {
	cfg       *config.RateLimitConfig
	logger    *logging.Logger
	overrides []override
	byClient  map[netip.Addr]int // index into overrides

	mu      sync.Mutex
	clients map[netip.Addr]*client

	stopCh chan struct{}
	once   sync.Once
	now    func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	label    string
}

type override struct {
	name  string
	cidrs []netip.Prefix
	limit rate.Limit
	burst int
}

// NewManager returns nil when rate limiting is disabled; a nil Manager allows
// everything.
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.Component("ratelimit"),
		byClient: make(map[netip.Addr]int),
		clients:  make(map[netip.Addr]*client, 128),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	m.parseOverrides()

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop()
	}
	return m
}

// Allow takes a token for addr. It returns false with the name of the limit
// that was exceeded ("global" or an override name).
func (m *Manager) Allow(addr netip.Addr) (bool, string) {
	if m == nil || !addr.IsValid() {
		return true, ""
	}
	addr = addr.Unmap()

	m.mu.Lock()
	c, ok := m.clients[addr]
	if !ok {
		if m.cfg.MaxTrackedClients > 0 && len(m.clients) >= m.cfg.MaxTrackedClients {
			m.evictOldestLocked()
		}
		limit, burst, label := m.settingsFor(addr)
		c = &client{limiter: rate.NewLimiter(limit, burst), label: label}
		m.clients[addr] = c
	}
	now := m.now()
	c.lastSeen = now
	m.mu.Unlock()

	return c.limiter.AllowN(now, 1), c.label
}

// Action returns what the caller should do with a limited query.
func (m *Manager) Action() config.RateLimitAction {
	if m == nil {
		return config.RateLimitActionDrop
	}
	return m.cfg.Action
}

// Tracked returns the number of clients with a live bucket.
func (m *Manager) Tracked() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop ends the cleanup loop.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// cleanup forgets clients idle for longer than the cleanup interval.
func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, c := range m.clients {
		if now.Sub(c.lastSeen) > m.cfg.CleanupInterval {
			delete(m.clients, addr)
		}
	}
}

func (m *Manager) evictOldestLocked() {
	var oldest netip.Addr
	var oldestSeen time.Time
	for addr, c := range m.clients {
		if !oldest.IsValid() || c.lastSeen.Before(oldestSeen) {
			oldest = addr
			oldestSeen = c.lastSeen
		}
	}
	if oldest.IsValid() {
		delete(m.clients, oldest)
	}
}

func (m *Manager) settingsFor(addr netip.Addr) (rate.Limit, int, string) {
	if idx, ok := m.byClient[addr]; ok {
		o := m.overrides[idx]
		return o.limit, o.burst, o.name
	}
	for _, o := range m.overrides {
		for _, prefix := range o.cidrs {
			if prefix.Contains(addr) {
				return o.limit, o.burst, o.name
			}
		}
	}
	return rate.Limit(m.cfg.RequestsPerSecond), m.cfg.Burst, "global"
}

func (m *Manager) parseOverrides() {
	for _, ov := range m.cfg.Overrides {
		o := override{
			name:  ov.Name,
			limit: rate.Limit(m.cfg.RequestsPerSecond),
			burst: m.cfg.Burst,
		}
		if o.name == "" {
			o.name = "override"
		}
		if ov.RequestsPerSecond != nil {
			o.limit = rate.Limit(*ov.RequestsPerSecond)
		}
		if ov.Burst != nil {
			o.burst = *ov.Burst
		}

		idx := len(m.overrides)
		for _, ip := range ov.Clients {
			addr, err := netip.ParseAddr(ip)
			if err != nil {
				m.logger.Warn("Invalid rate limit override client", "override", o.name, "value", ip, "error", err)
				continue
			}
			m.byClient[addr.Unmap()] = idx
		}
		for _, cidr := range ov.CIDRs {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				m.logger.Warn("Invalid rate limit override CIDR", "override", o.name, "value", cidr, "error", err)
				continue
			}
			o.cidrs = append(o.cidrs, prefix.Masked())
		}
		m.overrides = append(m.overrides, o)
	}
}
