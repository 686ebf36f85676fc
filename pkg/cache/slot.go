package cache

import (
	"encoding/binary"
	"time"
)

// Slot is a session's view of the cache: it remembers which name the next
// encrypted reply belongs to. A Slot is owned by one worker and is not safe
// for concurrent use.
type Slot struct {
	store  Store
	domain string
	ipv6   bool
	staged bool
}

// NewSlot returns an empty slot over store. A nil store never hits.
func NewSlot(store Store) *Slot {
	return &Slot{store: store}
}

// Lookup returns the cached reply for domain with its transaction id set to
// id, or nil on a miss.
func (s *Slot) Lookup(id uint16, domain string, ipv6 bool) []byte {
	if s.store == nil {
		return nil
	}
	reply := s.store.Get(domain, ipv6)
	if len(reply) < 2 {
		return nil
	}
	binary.BigEndian.PutUint16(reply, id)
	return reply
}

// Stage records domain as the target of the next StoreReply.
func (s *Slot) Stage(domain string, ipv6 bool) {
	s.domain = domain
	s.ipv6 = ipv6
	s.staged = true
}

// Clear forgets the staged name.
func (s *Slot) Clear() {
	s.domain = ""
	s.ipv6 = false
	s.staged = false
}

// StoreReply caches reply under the staged name and clears the slot. It is a
// no-op when nothing is staged.
func (s *Slot) StoreReply(reply []byte, ttl time.Duration) {
	if !s.staged {
		return
	}
	if s.store != nil {
		s.store.Set(s.domain, s.ipv6, reply, ttl)
	}
	s.Clear()
}

// StagedName returns the staged domain, or "" when the slot is empty.
func (s *Slot) StagedName() string {
	return s.domain
}
