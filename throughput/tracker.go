// Package throughput implements a per-peer exponentially weighted moving
// average (EMA) of samples processed per second.
package throughput

import (
	"sync"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// DefaultAlpha is the smoothing factor used when a Tracker is created
// with NewTracker. Smaller values weigh history more heavily.
const DefaultAlpha = 0.1

// Tracker measures the throughput of a single peer. A Tracker is safe
// for concurrent use. Begin does not wait for an earlier Lease to end,
// so leases on one Tracker may overlap; each Lease times its own
// interval, and Complete takes the Tracker's lock, so EMA updates from
// overlapping leases are applied one at a time. Paused reports true as
// soon as any lease ends, even if another is still in flight.
type Tracker struct {
	clock mclock.Clock
	alpha float64

	mu             sync.Mutex
	samplesPerSec  float64
	numUpdates     uint64
	paused         bool
	leaseTaskSize  float64
	leaseStartedAt mclock.AbsTime
}

// NewTracker returns a Tracker paused by default, as required by the
// core selection algorithm: a freshly discovered peer has no measured
// throughput until its first completed lease.
func NewTracker(clock mclock.Clock, alpha float64) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Tracker{
		clock:  clock,
		alpha:  alpha,
		paused: true,
	}
}

// Lease is a scoped, single-use measurement. Exactly one of Complete or
// Abandon must be called.
type Lease struct {
	t        *Tracker
	taskSize float64
	started  mclock.AbsTime
	done     bool
}

// Begin starts timing a unit of work of the given size. The tracker
// unpauses for the duration of the lease.
func (t *Tracker) Begin(taskSize float64) *Lease {
	t.mu.Lock()
	t.paused = false
	t.leaseTaskSize = taskSize
	t.leaseStartedAt = t.clock.Now()
	started := t.leaseStartedAt
	t.mu.Unlock()

	return &Lease{t: t, taskSize: taskSize, started: started}
}

// Complete records a successful completion of the leased work, folding
// the observed rate into the EMA.
func (l *Lease) Complete() {
	if l.done {
		return
	}
	l.done = true

	t := l.t
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := t.clock.Now().Sub(l.started)
	t.paused = true
	if elapsed <= 0 || l.taskSize <= 0 {
		// Degenerate timing: still counts as an update so callers relying
		// on num_updates see progress, but it cannot move the rate.
		t.numUpdates++
		return
	}

	rate := l.taskSize / float64(elapsed.Nanoseconds()) * float64(1e9)
	if t.numUpdates == 0 {
		t.samplesPerSec = rate
	} else {
		t.samplesPerSec = t.alpha*rate + (1-t.alpha)*t.samplesPerSec
	}
	t.numUpdates++
}

// Abandon discards the lease's timing without updating the EMA.
func (l *Lease) Abandon() {
	if l.done {
		return
	}
	l.done = true

	t := l.t
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// SamplesPerSecond returns the current estimate. It is only meaningful
// once NumUpdates() > 0.
func (t *Tracker) SamplesPerSecond() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samplesPerSec
}

// NumUpdates returns the number of completed leases folded into the EMA.
func (t *Tracker) NumUpdates() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numUpdates
}

// Paused reports whether the tracker is between leases.
func (t *Tracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// ExpectedDuration estimates how long a task of the given size would take
// on this peer: task_size / samples_per_second once measured, or
// initialThroughput * task_size (seconds per unit task_size) before the
// first measurement.
func (t *Tracker) ExpectedDuration(taskSize, initialThroughput float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.numUpdates > 0 && t.samplesPerSec > 0 {
		return taskSize / t.samplesPerSec
	}
	return initialThroughput * taskSize
}
