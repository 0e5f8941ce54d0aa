package balancer

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// heapEntry is a single scheduling slot in the balancer's min-heap:
// expectedCompletion is a cumulative scheduling horizon (not a wall-clock
// time), tiebreak is a uniformly random value in [0,1) used only to break
// ties between equal loads.
type heapEntry struct {
	expectedCompletion float64
	tiebreak           float64
	uid                peer.ID
	index              int
}

// peerHeap is a container/heap.Interface min-heap on the lexicographic
// pair (expectedCompletion, tiebreak), in the same shape as the teacher's
// own balancer package keeps its worker pool ordered by load.
type peerHeap []*heapEntry

func (h peerHeap) Len() int { return len(h) }

func (h peerHeap) Less(i, j int) bool {
	if h[i].expectedCompletion != h[j].expectedCompletion {
		return h[i].expectedCompletion < h[j].expectedCompletion
	}
	return h[i].tiebreak < h[j].tiebreak
}

func (h peerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *peerHeap) Push(x any) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *peerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
