// Package balancer implements the throughput-weighted peer scheduler at
// the center of the dispatcher: it maintains a live view of peers from a
// periodically refreshed directory, selects one peer per request using a
// min-priority queue keyed on expected completion time, records
// per-peer throughput via an EMA, blacklists peers on failure, and
// retries transparently across peer failures.
package balancer

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/hiveswarm/dispatch/directory"
	"github.com/hiveswarm/dispatch/throughput"
	"github.com/hiveswarm/dispatch/timedstore"
)

// Sentinel errors that can escape a Lease call.
var (
	// ErrNoPeers is raised only after Config.MaxRetries refresh cycles
	// fail to produce any candidate peer.
	ErrNoPeers = errors.New("balancer: no peers available")
	// ErrShutdown is returned by Lease once Shutdown has been called.
	ErrShutdown = errors.New("balancer: shut down")
)

// Config holds the balancer's tunables; zero-value fields fall back to
// the defaults documented on each field.
type Config struct {
	// UpdatePeriod is how often the background refresher polls the
	// directory absent an explicit trigger. Default 30s.
	UpdatePeriod time.Duration
	// InitialThroughput is the seconds-per-unit-task_size estimate used
	// for a peer with no completed lease yet. Default 1.0.
	InitialThroughput float64
	// EMAAlpha is the smoothing factor for each peer's throughput EMA.
	// Default throughput.DefaultAlpha.
	EMAAlpha float64
	// BlacklistTTL is the minimum time a ban holds even if the peer's own
	// directory expiration had already passed at ban time.
	BlacklistTTL time.Duration
	// MaxRetries bounds how many refresh cycles Lease will wait through
	// before raising ErrNoPeers. Default 3.
	MaxRetries int
	// MaxBlacklistSize bounds the blacklist's memory footprint; beyond
	// it, the least-recently-touched ban is evicted to make room. Default
	// 10000 (never unbounded: an LRU of size 0 cannot hold anything).
	MaxBlacklistSize int
}

const (
	defaultUpdatePeriod      = 30 * time.Second
	defaultInitialThroughput = 1.0
	defaultMaxRetries        = 3
	defaultMaxBlacklistSize  = 10000
)

func (c Config) withDefaults() Config {
	if c.UpdatePeriod <= 0 {
		c.UpdatePeriod = defaultUpdatePeriod
	}
	if c.InitialThroughput <= 0 {
		c.InitialThroughput = defaultInitialThroughput
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		c.EMAAlpha = throughput.DefaultAlpha
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxBlacklistSize == 0 {
		c.MaxBlacklistSize = defaultMaxBlacklistSize
	}
	return c
}

var (
	metricPoolSize  = metrics.GetOrRegisterGauge("balancer/pool_size", nil)
	metricBans      = metrics.GetOrRegisterCounter("balancer/bans", nil)
	metricRefreshes = metrics.GetOrRegisterCounter("balancer/refreshes", nil)
	metricNoPeers   = metrics.GetOrRegisterCounter("balancer/no_peers", nil)
)

// Balancer is the concurrent, throughput-weighted peer scheduler.
type Balancer struct {
	cfg       Config
	directory directory.Source
	clock     mclock.Clock

	mu          sync.Mutex
	peers       *timedstore.Store[peer.ID, multiaddr.Multiaddr]
	blacklist   *blacklist
	throughputs map[peer.ID]*throughput.Tracker
	heapData    peerHeap
	uidToEntry  map[peer.ID]*heapEntry
	shutdown    bool

	refreshDone chan struct{}
	triggerCh   chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup

	// refreshLimiter widens the gap between directory fetches when the
	// directory is failing, instead of hammering it every UpdatePeriod.
	// It resets to the configured rate on the first subsequent success.
	refreshLimiter *rate.Limiter

	feed event.Feed
}

// New constructs a Balancer and starts its background refresh loop.
// Callers own the Balancer's lifetime and must call Shutdown when done.
func New(cfg Config, source directory.Source, clock mclock.Clock) *Balancer {
	if clock == nil {
		clock = mclock.System{}
	}
	cfg = cfg.withDefaults()

	b := &Balancer{
		cfg:         cfg,
		directory:   source,
		clock:       clock,
		throughputs: make(map[peer.ID]*throughput.Tracker),
		uidToEntry:  make(map[peer.ID]*heapEntry),
		refreshDone: make(chan struct{}),
		triggerCh:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	b.peers = timedstore.New[peer.ID, multiaddr.Multiaddr](clock)
	b.blacklist = newBlacklist(clock, cfg.MaxBlacklistSize)
	b.refreshLimiter = rate.NewLimiter(b.baseRefreshRate(), 1)
	heap.Init(&b.heapData)

	b.wg.Add(1)
	go b.refreshLoop()
	return b
}

// toAbs projects a wall-clock timestamp (as produced by a directory
// record) onto the balancer's own clock domain. mclock.Clock.Now()
// returns an arbitrary-epoch monotonic reading, not Unix time, so a
// wall-clock deadline can only be compared against it after being
// re-anchored: the real-time distance between wall and the actual
// present is preserved and projected forward from b.clock.Now(). Under
// mclock.Simulated in tests this still behaves exactly as expected,
// since the projected duration is unaffected by which clock measures
// "now" on either side of the subtraction.
func (b *Balancer) toAbs(wall time.Time) mclock.AbsTime {
	return b.clock.Now() + mclock.AbsTime(time.Until(wall))
}

// PeerLease is a scoped acquisition of one peer. Exactly one of
// Release(nil) (success) or Release(err) (failure) must be called.
type PeerLease struct {
	UID  peer.ID
	Addr multiaddr.Multiaddr

	b        *Balancer
	tLease   *throughput.Lease
	released bool
}

// Release ends the lease. err == nil feeds the throughput EMA; any
// non-nil err bans the peer (transient network errors and logical
// errors are treated identically — the core does not distinguish them).
func (l *PeerLease) Release(err error) {
	if l.released {
		return
	}
	l.released = true
	if err == nil {
		l.tLease.Complete()
		return
	}
	l.tLease.Abandon()
	l.b.ban(l.UID)
}

// Lease scopes a single peer acquisition. maxRetries <= 0 uses the
// balancer's configured default.
func (b *Balancer) Lease(ctx context.Context, taskSize float64, maxRetries int) (*PeerLease, error) {
	if maxRetries <= 0 {
		maxRetries = b.cfg.MaxRetries
	}
	refreshAttempts := 0

	for {
		b.mu.Lock()
		if b.shutdown {
			b.mu.Unlock()
			return nil, ErrShutdown
		}

		if b.heapData.Len() == 0 {
			b.mu.Unlock()
			if refreshAttempts >= maxRetries {
				metricNoPeers.Inc(1)
				log.Warn("balancer: no peers after retries", "attempts", refreshAttempts)
				return nil, ErrNoPeers
			}
			refreshAttempts++
			if err := b.triggerRefreshAndWait(ctx); err != nil {
				return nil, err
			}
			continue
		}

		popped := heap.Pop(&b.heapData).(*heapEntry)

		addr, _, ok := b.peers.Get(popped.uid)
		if !ok {
			if cur, exists := b.uidToEntry[popped.uid]; exists && cur == popped {
				delete(b.uidToEntry, popped.uid)
			}
			delete(b.throughputs, popped.uid)
			b.mu.Unlock()
			continue
		}

		cur, exists := b.uidToEntry[popped.uid]
		if !exists || cur != popped {
			// Stale duplicate: a live, current entry for this uid already
			// exists elsewhere in the heap. Drop this one silently.
			b.mu.Unlock()
			continue
		}

		tracker := b.throughputs[popped.uid]
		expectedDuration := tracker.ExpectedDuration(taskSize, b.cfg.InitialThroughput)

		next := &heapEntry{
			expectedCompletion: popped.expectedCompletion + expectedDuration,
			tiebreak:           rand.Float64(),
			uid:                popped.uid,
		}
		heap.Push(&b.heapData, next)
		b.uidToEntry[popped.uid] = next

		tLease := tracker.Begin(taskSize)
		ema := tracker.SamplesPerSecond()
		b.mu.Unlock()

		log.Debug("balancer: lease granted", "uid", popped.uid, "ema", ema)
		return &PeerLease{UID: popped.uid, Addr: addr, b: b, tLease: tLease}, nil
	}
}

// ActiveCount returns the current pool size, forcing a synchronous
// refresh if the pool is empty (first-use bootstrap).
func (b *Balancer) ActiveCount(ctx context.Context) int {
	b.mu.Lock()
	n := len(b.uidToEntry)
	b.mu.Unlock()
	if n > 0 {
		return n
	}
	if err := b.triggerRefreshAndWait(ctx); err != nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uidToEntry)
}

// Shutdown stops the refresh goroutine. Later Lease calls return
// ErrShutdown; ActiveCount, which has no error result, no longer
// refreshes and reports the pool as it stands (0 if empty).
func (b *Balancer) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	b.mu.Unlock()
	close(b.stopCh)
	b.wg.Wait()
}

// ban removes uid from the active pool and records it in the blacklist.
// Banning an already-banned uid is a no-op; a uid that a refresh
// re-admitted to the pool is banned again.
func (b *Balancer) ban(uid peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, already := b.blacklist.Get(uid); already {
		if _, active := b.uidToEntry[uid]; !active {
			return
		}
	}

	knownExp, hasExp := b.peerExpirationLocked(uid)
	if !hasExp {
		knownExp = b.clock.Now()
	}
	evictAt := knownExp
	if floor := b.clock.Now() + mclock.AbsTime(b.cfg.BlacklistTTL); floor > evictAt {
		evictAt = floor
	}
	b.blacklist.Store(uid, knownExp, evictAt)

	delete(b.uidToEntry, uid)
	delete(b.throughputs, uid)
	b.peers.Delete(uid)

	metricBans.Inc(1)
	log.Warn("balancer: peer banned", "uid", uid, "expiration", knownExp)
	b.feed.Send(PeerEvent{Type: PeerBanned, UID: uid})
}

func (b *Balancer) peerExpirationLocked(uid peer.ID) (mclock.AbsTime, bool) {
	_, exp, ok := b.peers.Get(uid)
	return exp, ok
}

// addPeer stores/refreshes a directory record and, if the uid is new to
// the pool, creates its throughput tracker and heap entry at the current
// minimum load. expiration is already in the balancer's clock domain
// (see toAbs); callers translate the directory's wall-clock expiration
// before calling this.
func (b *Balancer) addPeer(uid peer.ID, addr multiaddr.Multiaddr, expiration mclock.AbsTime) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.peers.Store(uid, addr, expiration)

	if _, exists := b.throughputs[uid]; exists {
		log.Debug("balancer: peer refreshed", "uid", uid, "expiration", expiration)
		return
	}

	tracker := throughput.NewTracker(b.clock, b.cfg.EMAAlpha)
	b.throughputs[uid] = tracker

	base := 0.0
	if b.heapData.Len() > 0 {
		base = b.heapData[0].expectedCompletion
	}
	entry := &heapEntry{expectedCompletion: base, tiebreak: rand.Float64(), uid: uid}
	heap.Push(&b.heapData, entry)
	b.uidToEntry[uid] = entry

	log.Info("balancer: peer added", "uid", uid, "addr", addr)
	b.feed.Send(PeerEvent{Type: PeerAdded, UID: uid})
}

// triggerRefreshAndWait wakes the refresh loop (if it isn't already
// about to run) and blocks until that cycle finishes or ctx is done.
func (b *Balancer) triggerRefreshAndWait(ctx context.Context) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return ErrShutdown
	}
	done := b.refreshDone
	b.mu.Unlock()

	select {
	case b.triggerCh <- struct{}{}:
	default:
	}

	select {
	case <-done:
		return nil
	case <-b.stopCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Balancer) refreshLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.UpdatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.triggerCh:
		case <-ticker.C:
		}
		b.doRefresh()
	}
}

// maxRefreshBackoffMultiplier bounds how far repeated directory failures
// can widen the gap between fetch attempts, relative to UpdatePeriod.
const maxRefreshBackoffMultiplier = 8

func (b *Balancer) baseRefreshRate() rate.Limit {
	return rate.Every(b.cfg.UpdatePeriod)
}

// backoffRefreshRate halves the refresh rate toward a floor of
// UpdatePeriod * maxRefreshBackoffMultiplier. Only called after a failed
// directory fetch; a subsequent success resets the rate immediately.
func (b *Balancer) backoffRefreshRate() {
	floor := rate.Every(b.cfg.UpdatePeriod * maxRefreshBackoffMultiplier)
	next := b.refreshLimiter.Limit() / 2
	if next < floor {
		next = floor
	}
	b.refreshLimiter.SetLimit(next)
}

func (b *Balancer) doRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.UpdatePeriod)
	defer cancel()

	// Only a balancer already in backoff (after a prior failure) pays the
	// rate-limiter wait; a healthy directory is fetched on every tick or
	// explicit trigger without delay.
	if b.refreshLimiter.Limit() < b.baseRefreshRate() {
		if err := b.refreshLimiter.Wait(ctx); err != nil {
			log.Debug("balancer: refresh backoff wait aborted", "err", err)
		}
	}

	records, err := b.directory.FetchLatest(ctx)
	if err != nil {
		b.backoffRefreshRate()
		log.Warn("balancer: directory fetch failed", "err", err)
	} else {
		b.refreshLimiter.SetLimit(b.baseRefreshRate())
	}
	if len(records) == 0 {
		log.Info("balancer: refresh found no peers")
	}

	for _, rec := range records {
		expAbs := b.toAbs(rec.Expiration)
		if lastKnown, banned := b.blacklist.Get(rec.UID); banned && expAbs <= lastKnown {
			continue
		}
		b.addPeer(rec.UID, rec.Addr, expAbs)
	}

	b.mu.Lock()
	size := len(b.uidToEntry)
	done := b.refreshDone
	b.refreshDone = make(chan struct{})
	b.mu.Unlock()

	metricRefreshes.Inc(1)
	metricPoolSize.Update(int64(size))
	log.Info("balancer: refresh completed", "pool_size", size)

	close(done)
}
