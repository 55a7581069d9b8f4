package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlcb-go/lccnode/nodeid"
)

func peerA() nodeid.NodeID { return nodeid.MustFromUint64(1) }
func peerB() nodeid.NodeID { return nodeid.MustFromUint64(2) }

func TestPeerQueueHeadDispatchedImmediately(t *testing.T) {
	q := NewPeerQueue[string]()
	item, dispatch := q.Enqueue(peerA(), "first")
	assert.True(t, dispatch)
	assert.Equal(t, "first", item)
}

func TestPeerQueueSuccessorsWaitForAdvance(t *testing.T) {
	q := NewPeerQueue[string]()
	q.Enqueue(peerA(), "first")
	q.SetInFlight(peerA(), true)

	_, dispatch := q.Enqueue(peerA(), "second")
	assert.False(t, dispatch, "second item must wait for the first to complete")

	head, ok := q.Head(peerA())
	require.True(t, ok)
	assert.Equal(t, "first", head)

	q.SetInFlight(peerA(), false)
	next, ok := q.Advance(peerA())
	require.True(t, ok)
	assert.Equal(t, "second", next)
}

func TestPeerQueueIndependentAcrossPeers(t *testing.T) {
	q := NewPeerQueue[string]()
	_, d1 := q.Enqueue(peerA(), "a1")
	_, d2 := q.Enqueue(peerB(), "b1")
	assert.True(t, d1)
	assert.True(t, d2)
}

func TestPeerQueueRemoveCancelsQueuedItem(t *testing.T) {
	q := NewPeerQueue[string]()
	q.Enqueue(peerA(), "first")
	q.SetInFlight(peerA(), true)
	q.Enqueue(peerA(), "second")

	wasHead, removed := q.Remove(peerA(), func(s string) bool { return s == "second" })
	assert.True(t, removed)
	assert.False(t, wasHead)

	_, stillThere := q.Head(peerA())
	assert.True(t, stillThere) // "first" remains
}

func TestDeadlineExpiry(t *testing.T) {
	var d Deadline
	now := time.Unix(0, 0)
	assert.False(t, d.Armed())

	d.Arm(now, 100)
	assert.True(t, d.Armed())
	assert.False(t, d.Expired(now.Add(50)))
	assert.True(t, d.Expired(now.Add(100)))

	d.Disarm()
	assert.False(t, d.Expired(now.Add(1000)))
}
