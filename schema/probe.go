package schema

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/hiveswarm/dispatch/balancer"
	"github.com/hiveswarm/dispatch/rpc"
)

// probeTaskSize is the nominal task_size charged against a peer's
// throughput tracker for a schema probe. It is deliberately small and
// fixed: a probe is not representative load, but it still must charge
// something so the peer's expected-completion horizon advances and the
// probe lease can be released through the normal success/failure path.
const probeTaskSize = 1.0

// Prober acquires and caches one peer's I/O schema. Once a probe has
// succeeded, later callers get the cached value without leasing a peer
// again; callers that arrive before the first probe finishes each probe
// a peer of their own.
type Prober struct {
	balancer *balancer.Balancer
	client   rpc.Client

	mu     sync.Mutex
	cached *Schema
}

// NewProber returns a Prober that leases peers from b and asks client for
// their schema.
func NewProber(b *balancer.Balancer, client rpc.Client) *Prober {
	return &Prober{balancer: b, client: client}
}

// Schema returns the cached schema, probing a peer for it on first call.
// A probe failure bans the peer and retries through the balancer's own
// lease retry budget; only NoPeers/Shutdown escape.
func (p *Prober) Schema(ctx context.Context) (Schema, error) {
	p.mu.Lock()
	if p.cached != nil {
		s := *p.cached
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	for {
		lease, err := p.balancer.Lease(ctx, probeTaskSize, 0)
		if err != nil {
			return Schema{}, err
		}

		raw, err := p.client.GetSchema(ctx, lease.UID, lease.Addr)
		if err != nil {
			log.Warn("schema: probe failed", "uid", lease.UID, "err", err)
			lease.Release(err)
			continue
		}

		parsed, err := Parse(raw)
		if err != nil {
			log.Warn("schema: probe returned unparsable schema", "uid", lease.UID, "err", err)
			lease.Release(err)
			continue
		}

		lease.Release(nil)

		p.mu.Lock()
		p.cached = &parsed
		p.mu.Unlock()
		return parsed, nil
	}
}

// Reset clears the cached schema, forcing the next Schema call to probe
// again. Useful if an embedder learns the fleet's schema has changed.
func (p *Prober) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}
