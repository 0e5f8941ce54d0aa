// Package dispatch knits the balancer, the schema probe, and a peer RPC
// client into the request/response call embedders actually invoke.
package dispatch

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/hiveswarm/dispatch/balancer"
	"github.com/hiveswarm/dispatch/rpc"
	"github.com/hiveswarm/dispatch/schema"
)

// defaultBackwardTaskSizeMultiplier is preserved from the source system
// for callers that want symmetric accounting of a second RPC phase
// without a dedicated backward RPC operation; it is not otherwise
// load-bearing.
const defaultBackwardTaskSizeMultiplier = 2.5

// Config holds Dispatcher tunables.
type Config struct {
	// BackwardTaskSizeMultiplier scales task_size for CallBackward.
	// Default defaultBackwardTaskSizeMultiplier.
	BackwardTaskSizeMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.BackwardTaskSizeMultiplier <= 0 {
		c.BackwardTaskSizeMultiplier = defaultBackwardTaskSizeMultiplier
	}
	return c
}

// Request is one call's inputs: the keyword set validated against the
// peer's cached schema, the opaque already-serialized payload, and the
// batch size used as the lease's task_size.
type Request struct {
	Keywords  []string
	Payload   []byte
	BatchSize float64
}

// Dispatcher is the embedder-facing entry point: Call leases a peer,
// validates and forwards a request, and retries across peer failures
// until success or a terminal error (NoPeers, SchemaMismatch, Shutdown).
type Dispatcher struct {
	balancer *balancer.Balancer
	client   rpc.Client
	prober   *schema.Prober
	cfg      Config
}

// New returns a Dispatcher over b and client, with its own schema Prober.
func New(b *balancer.Balancer, client rpc.Client, cfg Config) *Dispatcher {
	return &Dispatcher{
		balancer: b,
		client:   client,
		prober:   schema.NewProber(b, client),
		cfg:      cfg.withDefaults(),
	}
}

// Call performs one forward request. It blocks until an RPC succeeds,
// the schema probe or validation fails, or the balancer returns an error
// (NoPeers after exhausting its retries, Shutdown, or the context's
// error). Every RPC failure bans the peer and the call retries.
func (d *Dispatcher) Call(ctx context.Context, req Request) ([]byte, error) {
	return d.call(ctx, req, req.BatchSize)
}

// CallBackward performs one forward request charged at
// BatchSize * BackwardTaskSizeMultiplier, for embedders that wrap the
// forward RPC in a differentiable operator and want the balancer's
// scheduling horizon to account for an implied second phase of work.
func (d *Dispatcher) CallBackward(ctx context.Context, req Request) ([]byte, error) {
	return d.call(ctx, req, req.BatchSize*d.cfg.BackwardTaskSizeMultiplier)
}

func (d *Dispatcher) call(ctx context.Context, req Request, taskSize float64) ([]byte, error) {
	sc, err := d.prober.Schema(ctx)
	if err != nil {
		return nil, err
	}
	if err := sc.Validate(req.Keywords); err != nil {
		return nil, err
	}

	for {
		lease, err := d.balancer.Lease(ctx, taskSize, 0)
		if err != nil {
			return nil, err
		}

		out, err := d.client.Forward(ctx, lease.UID, lease.Addr, req.Payload)
		if err != nil {
			log.Warn("dispatch: rpc failed", "uid", lease.UID, "err", err)
			lease.Release(err)
			continue
		}

		lease.Release(nil)
		return out, nil
	}
}
