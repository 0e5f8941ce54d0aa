// Package timedstore implements a generic key/value store where each
// entry carries an expiration and is evicted opportunistically on read.
package timedstore

import (
	"sync"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/common/prque"
)

type entry[V any] struct {
	value      V
	expiration mclock.AbsTime
}

// Store is a key/value map with per-entry TTL. Entries are dropped
// lazily: Get evicts an expired entry it encounters. Store is safe for
// concurrent use.
//
// Expirations live in the same mclock.AbsTime domain as the injected
// Clock, not wall-clock time.Time: callers whose expirations originate
// as wall-clock timestamps (e.g. a directory record) must project them
// onto the Clock's timeline before calling Store, the same way Balancer
// does at its directory boundary. Comparing a raw time.Time against
// Clock.Now() here would silently compare two unrelated epochs.
type Store[K comparable, V any] struct {
	clock mclock.Clock

	mu      sync.Mutex
	entries map[K]entry[V]
	order   *prque.Prque[int64, K] // priority = -expiration, so Peek gives the soonest expiry
}

// New returns an empty Store.
func New[K comparable, V any](clock mclock.Clock) *Store[K, V] {
	return &Store[K, V]{
		clock:   clock,
		entries: make(map[K]entry[V]),
		order:   prque.New[int64, K](nil),
	}
}

// Store inserts or refreshes the value and expiration for k.
func (s *Store[K, V]) Store(k K, v V, expiration mclock.AbsTime) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()
	s.entries[k] = entry[V]{value: v, expiration: expiration}
	s.order.Push(k, -int64(expiration))
}

// Get returns the live value for k, or false if absent or expired.
func (s *Store[K, V]) Get(k K) (V, mclock.AbsTime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	e, ok := s.entries[k]
	if !ok {
		var zero V
		return zero, 0, false
	}
	return e.value, e.expiration, true
}

// Delete removes k unconditionally.
func (s *Store[K, V]) Delete(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
}

// Len returns the number of live (non-expired) entries, evicting any
// expired ones found along the way.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	return len(s.entries)
}

// evictExpiredLocked drops entries whose expiration has passed. It pops
// the priority queue (ordered soonest-expiry first) until the head is
// either live or stale (superseded by a later Store call, in which case
// it's simply dropped and the map lookup below is authoritative).
func (s *Store[K, V]) evictExpiredLocked() {
	now := s.clock.Now()
	for s.order.Size() > 0 {
		k, negExp := s.order.Peek()
		exp := mclock.AbsTime(-negExp)
		if exp > now {
			return
		}
		s.order.Pop()
		if e, ok := s.entries[k]; ok && e.expiration <= exp {
			delete(s.entries, k)
		}
	}
}
