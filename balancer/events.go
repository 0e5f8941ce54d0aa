package balancer

import (
	"github.com/ethereum/go-ethereum/event"
	"github.com/libp2p/go-libp2p/core/peer"
)

// EventType categorizes a PeerEvent.
type EventType int

const (
	// PeerAdded fires when a refresh cycle discovers a previously unknown peer.
	PeerAdded EventType = iota
	// PeerBanned fires when a peer is removed from the pool after a lease failure.
	PeerBanned
)

// PeerEvent is published on the balancer's peer lifecycle feed. Embedders
// that want to react to pool membership changes (e.g. to adjust an
// external load display) can subscribe without polling logs; events do
// not influence which peer is selected. Delivery is synchronous and
// happens while the balancer's lock is held: until every subscribed
// channel has received an event, leases, refreshes and bans wait.
type PeerEvent struct {
	Type EventType
	UID  peer.ID
}

// SubscribeEvents registers ch to receive PeerEvent notifications. It
// mirrors the subscribe-to-peer-lifecycle pattern the teacher's
// downloader uses to keep a concurrent fetch loop informed of peer
// churn, adapted here to a simple fan-out feed instead of a dedicated
// peer set.
func (b *Balancer) SubscribeEvents(ch chan<- PeerEvent) event.Subscription {
	return b.feed.Subscribe(ch)
}
