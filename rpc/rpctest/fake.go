// Package rpctest provides an in-memory rpc.Client fake for exercising
// the balancer and dispatcher without a real transport.
package rpctest

import (
	"context"
	"errors"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/hiveswarm/dispatch/rpc"
)

// ErrFakeTransport is returned by a Fake configured to fail a given peer.
var ErrFakeTransport = errors.New("rpctest: simulated transport failure")

// PeerBehavior configures how a Fake responds for one peer.
type PeerBehavior struct {
	Schema     rpc.RawSchema
	FailNext   bool // if true, the next call to this peer fails once, then clears
	AlwaysFail bool
	Outputs    []byte
}

// Fake is a configurable rpc.Client: tests register a PeerBehavior per
// peer.ID and every GetSchema/Forward call consults it.
type Fake struct {
	mu        sync.Mutex
	behaviors map[peer.ID]*PeerBehavior
	calls     map[peer.ID]int
}

// New returns an empty Fake; call Configure before routing leases to it.
func New() *Fake {
	return &Fake{
		behaviors: make(map[peer.ID]*PeerBehavior),
		calls:     make(map[peer.ID]int),
	}
}

// Configure installs or replaces the behavior for uid.
func (f *Fake) Configure(uid peer.ID, b PeerBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bb := b
	f.behaviors[uid] = &bb
}

// Calls reports how many Forward calls uid has received.
func (f *Fake) Calls(uid peer.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uid]
}

func (f *Fake) GetSchema(ctx context.Context, uid peer.ID, addr multiaddr.Multiaddr) (rpc.RawSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.behaviors[uid]
	if !ok {
		return nil, ErrFakeTransport
	}
	if b.AlwaysFail || b.FailNext {
		b.FailNext = false
		return nil, ErrFakeTransport
	}
	return b.Schema, nil
}

func (f *Fake) Forward(ctx context.Context, uid peer.ID, addr multiaddr.Multiaddr, serializedInputs []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uid]++

	b, ok := f.behaviors[uid]
	if !ok {
		return nil, ErrFakeTransport
	}
	if b.AlwaysFail || b.FailNext {
		b.FailNext = false
		return nil, ErrFakeTransport
	}
	return b.Outputs, nil
}
