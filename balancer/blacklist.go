package balancer

import (
	"sync"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/libp2p/go-libp2p/core/peer"
)

// blacklistEntry pairs the peer's known expiration at ban time (the floor
// a subsequent refresh must clear to lift the ban) with the absolute
// time the ban itself expires. Both live in the balancer's mclock.Clock
// domain, not wall-clock time.Time.
type blacklistEntry struct {
	knownExpiration mclock.AbsTime
	evictAt         mclock.AbsTime
}

// blacklist tracks banned peers with a capacity-bounded LRU on top of the
// ban's own TTL: whichever bound is tighter wins. Unlike the peer pool,
// a ban evicted early is always safe to lose — it only makes that peer
// selectable again, never strands a peer that should stay excluded.
type blacklist struct {
	clock mclock.Clock

	mu  sync.Mutex
	lru *simplelru.LRU[peer.ID, blacklistEntry]
}

func newBlacklist(clock mclock.Clock, capacity int) *blacklist {
	if capacity <= 0 {
		capacity = defaultMaxBlacklistSize
	}
	b := &blacklist{clock: clock}
	l, _ := simplelru.NewLRU[peer.ID, blacklistEntry](capacity, func(uid peer.ID, _ blacklistEntry) {
		log.Warn("balancer: blacklist at capacity, evicting oldest ban", "uid", uid)
	})
	b.lru = l
	return b
}

// Get reports whether uid is currently banned, and if so the peer's
// known expiration at ban time. A ban found past its evictAt is treated
// as absent and dropped.
func (b *blacklist) Get(uid peer.ID) (knownExpiration mclock.AbsTime, banned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.lru.Get(uid)
	if !ok {
		return 0, false
	}
	if e.evictAt <= b.clock.Now() {
		b.lru.Remove(uid)
		return 0, false
	}
	return e.knownExpiration, true
}

// Store bans uid until evictAt, recording knownExpiration as the floor a
// later refresh must exceed to lift the ban.
func (b *blacklist) Store(uid peer.ID, knownExpiration, evictAt mclock.AbsTime) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lru.Add(uid, blacklistEntry{knownExpiration: knownExpiration, evictAt: evictAt})
}

// Len returns the number of entries currently tracked, including any not
// yet lazily evicted past their evictAt.
func (b *blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Len()
}
