package cache

import (
	"container/list"
	"sync"
	"time"
)

type key struct {
	name string
	ipv6 bool
}

type entry struct {
	key     key
	reply   []byte // private copy
	expires time.Time
}

// shard is one lock stripe. Entries sit in a list ordered by recency, most
// recent at the front, so eviction takes the back.
type shard struct {
	mu    sync.Mutex
	limit int
	items map[key]*list.Element
	order *list.List

	hits, misses, sets, evictions uint64
}

func newShard(limit int) *shard {
	return &shard{
		limit: limit,
		items: make(map[key]*list.Element, limit),
		order: list.New(),
	}
}

func (s *shard) get(k key, now time.Time) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[k]
	if !ok {
		s.misses++
		return nil
	}
	e := el.Value.(*entry)
	if !now.Before(e.expires) {
		s.remove(el)
		s.misses++
		return nil
	}
	s.order.MoveToFront(el)
	s.hits++
	return append([]byte(nil), e.reply...)
}

// set stores a copy of reply. It reports whether another entry was evicted
// to make room.
func (s *shard) set(k key, reply []byte, expires time.Time) (evicted bool) {
	stored := append([]byte(nil), reply...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++

	if el, ok := s.items[k]; ok {
		e := el.Value.(*entry)
		e.reply, e.expires = stored, expires
		s.order.MoveToFront(el)
		return false
	}
	if s.order.Len() >= s.limit {
		if back := s.order.Back(); back != nil {
			s.remove(back)
			s.evictions++
			evicted = true
		}
	}
	s.items[k] = s.order.PushFront(&entry{key: k, reply: stored, expires: expires})
	return evicted
}

// expire drops every entry whose deadline has passed.
func (s *shard) expire(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*entry).expires) {
			s.remove(el)
			n++
		}
		el = prev
	}
	s.evictions += uint64(n)
	return n
}

func (s *shard) remove(el *list.Element) {
	s.order.Remove(el)
	delete(s.items, el.Value.(*entry).key)
}

func (s *shard) reset() {
	s.mu.Lock()
	s.items = make(map[key]*list.Element, s.limit)
	s.order.Init()
	s.mu.Unlock()
}

func (s *shard) addTo(st *Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Hits += s.hits
	st.Misses += s.misses
	st.Sets += s.sets
	st.Evictions += s.evictions
	st.Entries += s.order.Len()
}
