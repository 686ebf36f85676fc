package cache

import "time"

// Store is the shared reply store a Slot reads from and fills.
type Store interface {
	// Get returns a private copy of the reply, or nil
	Get(domain string, ipv6 bool) []byte

	// Set stores reply for ttl
	Set(domain string, ipv6 bool, reply []byte, ttl time.Duration)
}

var _ Store = (*Cache)(nil)
