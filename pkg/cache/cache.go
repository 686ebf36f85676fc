// Package cache stores encrypted-upstream replies as raw wire bytes, keyed by
// query name and address family.
package cache

import (
	"errors"
	"fmt"
	"hash/maphash"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"
)

// MaxNameLen is the longest encoded question the gateway caches.
const MaxNameLen = 100

// sweepInterval is how often expired entries are dropped in the background.
const sweepInterval = time.Minute

// ErrInvalidConfig reports an unusable cache configuration.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// Stats is a point-in-time summary over every shard.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Evictions uint64 // capacity and expiry
	Entries   int
	HitRate   float64
}

// Cache is a bounded TTL cache of reply bytes with LRU eviction. Keys are
// spread over independently locked shards.
type Cache struct {
	enabled bool
	seed    maphash.Seed
	shards  []*shard
	logger  *logging.Logger
	now     func() time.Time

	quit chan struct{}
	done chan struct{}
}

// New builds a cache from cfg and starts its expiry sweep. Close stops it.
func New(cfg *config.CacheConfig, logger *logging.Logger) (*Cache, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	case cfg.MaxEntries <= 0:
		return nil, fmt.Errorf("%w: max_entries %d", ErrInvalidConfig, cfg.MaxEntries)
	case logger == nil:
		return nil, errors.New("cache: nil logger")
	}

	n := max(cfg.Shards, 1)
	limit := max(cfg.MaxEntries/n, 1)
	if n > 1 {
		limit = max(limit, 10)
	}

	c := &Cache{
		enabled: cfg.Enabled,
		seed:    maphash.MakeSeed(),
		shards:  make([]*shard, n),
		logger:  logger,
		now:     time.Now,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = newShard(limit)
	}
	go c.sweep()

	logger.Info("Reply cache ready", "enabled", cfg.Enabled, "max_entries", cfg.MaxEntries,
		"shards", n, "ttl", cfg.TTL, "negative_ttl", cfg.NegativeTTL)
	return c, nil
}

func (c *Cache) shard(k key) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[maphash.String(c.seed, k.name)%uint64(len(c.shards))]
}

// Get returns a private copy of the reply for domain, or nil when absent or
// expired.
func (c *Cache) Get(domain string, ipv6 bool) []byte {
	if !c.enabled {
		return nil
	}
	k := key{domain, ipv6}
	return c.shard(k).get(k, c.now())
}

// Set stores a copy of reply for ttl. Empty replies and non-positive TTLs
// are ignored.
func (c *Cache) Set(domain string, ipv6 bool, reply []byte, ttl time.Duration) {
	if !c.enabled || ttl <= 0 || len(reply) == 0 {
		return
	}
	k := key{domain, ipv6}
	if c.shard(k).set(k, reply, c.now().Add(ttl)) {
		c.logger.Debug("Cache full, evicted least recently used reply")
	}
	c.logger.Debug("Cached reply", "domain", domain, "ipv6", ipv6, "ttl", ttl, "bytes", len(reply))
}

func (c *Cache) sweep() {
	defer close(c.done)
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-t.C:
			c.cleanup()
		}
	}
}

func (c *Cache) cleanup() {
	now := c.now()
	n := 0
	for _, s := range c.shards {
		n += s.expire(now)
	}
	if n > 0 {
		c.logger.Debug("Expired cached replies", "removed", n)
	}
}

// Stats sums the counters of every shard.
func (c *Cache) Stats() Stats {
	var st Stats
	for _, s := range c.shards {
		s.addTo(&st)
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.reset()
	}
	c.logger.Info("Reply cache cleared")
}

// Close stops the expiry sweep.
func (c *Cache) Close() error {
	close(c.quit)
	<-c.done
	st := c.Stats()
	c.logger.Info("Reply cache closed", "hits", st.Hits, "misses", st.Misses, "entries", st.Entries)
	return nil
}
