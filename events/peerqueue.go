// Package events provides the shared queueing and dispatch plumbing
// used by the Datagram and Memory-configuration services: a per-peer
// FIFO with a one-in-flight-per-peer rule (spec.md §4.3, §4.4). The
// in-flight item stays at the front of its peer's FIFO; a per-peer
// flag records that it is on the wire.
package events

import "github.com/openlcb-go/lccnode/nodeid"

// PeerQueue holds, for each peer NodeID, a FIFO of pending items plus
// whether one is currently in flight. Only the head item per peer is
// ever "in flight"; successors wait for Advance.
type PeerQueue[T any] struct {
	pending  map[nodeid.NodeID][]T
	inFlight map[nodeid.NodeID]bool
}

// NewPeerQueue constructs an empty PeerQueue.
func NewPeerQueue[T any]() *PeerQueue[T] {
	return &PeerQueue[T]{
		pending:  make(map[nodeid.NodeID][]T),
		inFlight: make(map[nodeid.NodeID]bool),
	}
}

// Enqueue adds item to peer's queue. It returns (item, true) if the
// queue was empty and nothing was in flight — the caller should
// dispatch it immediately and mark it in flight via SetInFlight.
func (q *PeerQueue[T]) Enqueue(peer nodeid.NodeID, item T) (T, bool) {
	q.pending[peer] = append(q.pending[peer], item)
	if !q.inFlight[peer] && len(q.pending[peer]) == 1 {
		return item, true
	}
	var zero T
	return zero, false
}

// SetInFlight marks peer as having a transaction on the wire.
func (q *PeerQueue[T]) SetInFlight(peer nodeid.NodeID, inFlight bool) {
	if inFlight {
		q.inFlight[peer] = true
	} else {
		delete(q.inFlight, peer)
	}
}

// InFlight reports whether peer currently has a transaction on the wire.
func (q *PeerQueue[T]) InFlight(peer nodeid.NodeID) bool {
	return q.inFlight[peer]
}

// Head returns the current head item for peer, if any, without
// removing it.
func (q *PeerQueue[T]) Head(peer nodeid.NodeID) (T, bool) {
	items := q.pending[peer]
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

// Advance pops the head item for peer (the just-completed one) and
// returns the new head, if any, so the caller can dispatch it next.
func (q *PeerQueue[T]) Advance(peer nodeid.NodeID) (T, bool) {
	items := q.pending[peer]
	if len(items) > 0 {
		items = items[1:]
	}
	if len(items) == 0 {
		delete(q.pending, peer)
		var zero T
		return zero, false
	}
	q.pending[peer] = items
	return items[0], true
}

// Remove deletes the first item for which match returns true,
// regardless of position (used for cancelling a queued-but-not-yet-
// in-flight memo). Reports whether anything was removed and whether
// the removed item was the current head.
func (q *PeerQueue[T]) Remove(peer nodeid.NodeID, match func(T) bool) (wasHead bool, removed bool) {
	items := q.pending[peer]
	for i, it := range items {
		if match(it) {
			wasHead = i == 0
			q.pending[peer] = append(items[:i:i], items[i+1:]...)
			if len(q.pending[peer]) == 0 {
				delete(q.pending, peer)
			}
			return wasHead, true
		}
	}
	return false, false
}
