package telemetry

import (
	"context"
	"sync/atomic"
)

// Counters are the gateway's process-lifetime query statistics. Values live
// in atomics so the periodic stats line and tests can read them; every change
// is mirrored to the OpenTelemetry instruments when metrics are attached.
type Counters struct {
	received  atomic.Int64
	dropped   atomic.Int64
	cached    atomic.Int64
	forwarded atomic.Int64

	metrics *Metrics
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Received  int64
	Dropped   int64
	Cached    int64
	Forwarded int64
}

// NewCounters returns zeroed counters; metrics may be nil.
func NewCounters(metrics *Metrics) *Counters {
	return &Counters{metrics: metrics}
}

// AddReceived adjusts the received counter. Negative deltas are allowed.
func (c *Counters) AddReceived(delta int64) {
	c.received.Add(delta)
	if c.metrics != nil && c.metrics.QueriesReceived != nil {
		c.metrics.QueriesReceived.Add(context.Background(), delta)
	}
}

// AddDropped adjusts the dropped counter. Negative deltas are allowed.
func (c *Counters) AddDropped(delta int64) {
	c.dropped.Add(delta)
	if c.metrics != nil && c.metrics.QueriesDropped != nil {
		c.metrics.QueriesDropped.Add(context.Background(), delta)
	}
}

// IncCached counts one cache hit.
func (c *Counters) IncCached() {
	c.cached.Add(1)
	if c.metrics != nil && c.metrics.CacheHits != nil {
		c.metrics.CacheHits.Add(context.Background(), 1)
	}
}

// IncForwarded counts one plaintext forward.
func (c *Counters) IncForwarded() {
	c.forwarded.Add(1)
	if c.metrics != nil && c.metrics.QueriesForwarded != nil {
		c.metrics.QueriesForwarded.Add(context.Background(), 1)
	}
}

// Snapshot reads all counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Received:  c.received.Load(),
		Dropped:   c.dropped.Load(),
		Cached:    c.cached.Load(),
		Forwarded: c.forwarded.Load(),
	}
}
