// Package rpc defines the opaque peer transport contract the core calls
// against. It prescribes no wire protocol: embedders supply a Client
// backed by whatever transport fits (a libp2p stream, gRPC, HTTP) and the
// core treats any error it raises uniformly as a lease failure.
package rpc

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// RawSchema is the wire form of a peer's I/O schema, opaque to this
// package; the schema package is responsible for interpreting it.
type RawSchema []byte

// Client is the two-operation contract a selected peer must answer.
// Both methods may return a transport error of any shape; the dispatcher
// does not distinguish transport failure from peer-reported failure —
// both become a lease failure and a ban.
type Client interface {
	// GetSchema asks uid (reachable at addr) for its I/O schema.
	GetSchema(ctx context.Context, uid peer.ID, addr multiaddr.Multiaddr) (RawSchema, error)
	// Forward sends serialized inputs to uid and returns serialized outputs.
	Forward(ctx context.Context, uid peer.ID, addr multiaddr.Multiaddr, serializedInputs []byte) (serializedOutputs []byte, err error)
}
