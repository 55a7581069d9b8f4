package canlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/openlcb-go/lccnode/canframe"
	"github.com/openlcb-go/lccnode/nodeid"
)

type fakeSender struct {
	frames []canframe.Frame
}

func (s *fakeSender) SendFrame(f canframe.Frame) {
	s.frames = append(s.frames, f)
}

func mustNode(s string) nodeid.NodeID {
	n, err := nodeid.FromDottedString(s)
	if err != nil {
		panic(err)
	}
	return n
}

func bringUp(t *testing.T, l *Link, sender *fakeSender, start time.Time) time.Time {
	t.Helper()
	now := start
	l.PhysicalLayerUp(now) // CID1
	require.Equal(t, StateInhibited, l.State())
	for i := 0; i < 4; i++ { // CID2, CID3, CID4, RID
		now = now.Add(DefaultCIDSpacing)
		l.Tick(now)
	}
	now = now.Add(DefaultCIDSpacing) // AMD / finalize
	l.Tick(now)
	now = now.Add(DefaultCIDSpacing) // nothing left to send
	l.Tick(now)
	require.Equal(t, StatePermitted, l.State())
	_ = sender
	return now
}

func TestArbitrationReachesPermitted(t *testing.T) {
	sender := &fakeSender{}
	local := mustNode("05.01.01.01.03.01")
	l := New(local, sender, nil)

	start := time.Unix(0, 0)
	bringUp(t, l, sender, start)

	// 4 CID + 1 RID + 1 AMD frames sent.
	require.Len(t, sender.frames, 6)
	assert.Equal(t, StatePermitted, l.State())
	assert.True(t, l.LocalAlias().Valid())
}

// TestAliasCollisionMidArbitrationRestarts covers scenario S4: while
// arbitration is still in progress (here after CID4 has gone out), a
// peer claims our candidate via AMD; arbitration must discard the
// candidate and restart, eventually reaching Permitted.
func TestAliasCollisionMidArbitrationRestarts(t *testing.T) {
	sender := &fakeSender{}
	local := mustNode("05.01.01.01.03.01")
	l := New(local, sender, nil)

	now := time.Unix(0, 0)
	l.PhysicalLayerUp(now) // CID1

	now = now.Add(DefaultCIDSpacing)
	l.Tick(now) // CID2
	now = now.Add(DefaultCIDSpacing)
	l.Tick(now) // CID3
	now = now.Add(DefaultCIDSpacing)
	l.Tick(now) // CID4

	firstCandidate := l.arbCandidate
	peer := mustNode("02.01.57.00.04.9C")
	l.HandleFrame(amdFrame(firstCandidate, peer))

	assert.Equal(t, 1, l.arbAttempt, "collision should have restarted arbitration once")
	assert.NotEqual(t, firstCandidate, l.arbCandidate)

	// drive the restarted arbitration to completion
	for i := 0; i < 6; i++ {
		now = now.Add(DefaultCIDSpacing)
		l.Tick(now)
	}
	assert.Equal(t, StatePermitted, l.State())
}

// TestFragmentReassembly covers scenario S6: three addressed frames
// with continuation bits 01, 10, 11 reassemble into one Message.
func TestFragmentReassembly(t *testing.T) {
	sender := &fakeSender{}
	local := mustNode("05.01.01.01.03.01")
	l := New(local, sender, nil)
	now := bringUp(t, l, sender, time.Unix(0, 0))

	peer := mustNode("02.01.57.00.04.9C")
	peerAlias := nodeid.Alias(0x123)
	l.HandleFrame(amdFrame(peerAlias, peer))

	var got []Message
	l.RegisterMessageListener(func(m Message) { got = append(got, m) })

	destAlias := l.LocalAlias()
	header := canframe.WithMTIField(uint16(MTIDatagram), uint16(peerAlias))

	send := func(cont uint16, chunk []byte) {
		f, err := buildAddressedFrame(header, destAlias, cont, chunk)
		require.NoError(t, err)
		l.HandleFrame(f)
	}

	send(contFirst, []byte{0xAA, 0xBB})
	send(contMiddle, []byte{0xCC, 0xDD})
	send(contLast, []byte{0xEE})

	require.Len(t, got, 1)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}, got[0].Data)
	assert.Equal(t, MTIDatagram, got[0].MTI)
	assert.True(t, got[0].Source.Equal(peer))
	require.NotNil(t, got[0].Dest)
	assert.True(t, got[0].Dest.Equal(local))
	_ = now
}

func TestPendingFrameExpiresWithoutAMD(t *testing.T) {
	sender := &fakeSender{}
	local := mustNode("05.01.01.01.03.01")
	l := New(local, sender, nil)
	now := bringUp(t, l, sender, time.Unix(0, 0))

	var got []Message
	l.RegisterMessageListener(func(m Message) { got = append(got, m) })

	unknownAlias := nodeid.Alias(0x456)
	header := canframe.WithMTIField(uint16(MTIVerifyNodeIDGlobal), uint16(unknownAlias))
	f, err := canframe.New(header, nil)
	require.NoError(t, err)

	l.HandleFrame(f)
	assert.Empty(t, got, "should be queued pending, not delivered")

	now = now.Add(DefaultPendingWait + time.Millisecond)
	l.Tick(now)
	assert.Empty(t, l.pending[unknownAlias])
	assert.Empty(t, got)
}

func TestPendingFrameDeliveredOnceAMDArrives(t *testing.T) {
	sender := &fakeSender{}
	local := mustNode("05.01.01.01.03.01")
	l := New(local, sender, nil)
	bringUp(t, l, sender, time.Unix(0, 0))

	var got []Message
	l.RegisterMessageListener(func(m Message) { got = append(got, m) })

	peer := mustNode("02.01.57.00.04.9C")
	peerAlias := nodeid.Alias(0x123)
	header := canframe.WithMTIField(uint16(MTIVerifyNodeIDGlobal), uint16(peerAlias))
	f, err := canframe.New(header, nil)
	require.NoError(t, err)

	l.HandleFrame(f)
	assert.Empty(t, got)

	l.HandleFrame(amdFrame(peerAlias, peer))
	require.Len(t, got, 1)
	assert.True(t, got[0].Source.Equal(peer))
}

// TestAliasTableInjectivityProperty covers spec.md §8 invariant 6:
// alias table injectivity after any sequence of AMD/AMR events.
func TestAliasTableInjectivityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		table := newAliasTable()
		n := rapid.IntRange(1, 30).Draw(t, "n")
		seenAliases := map[nodeid.Alias]nodeid.NodeID{}
		seenNodes := map[nodeid.NodeID]nodeid.Alias{}

		for i := 0; i < n; i++ {
			alias := nodeid.Alias(rapid.IntRange(0, 0xFFE).Draw(t, "alias"))
			nodeVal := rapid.Uint64Range(1, 1<<48-1).Draw(t, "node")
			node, _ := nodeid.FromUint64(nodeVal)

			err := table.Insert(alias, node)
			if existingNode, ok := seenAliases[alias]; ok && !existingNode.Equal(node) {
				if err == nil {
					t.Fatalf("expected collision error inserting alias %v already bound to %v", alias, existingNode)
				}
				continue
			}
			if existingAlias, ok := seenNodes[node]; ok && existingAlias != alias {
				if err == nil {
					t.Fatalf("expected collision error inserting node %v already bound to alias %v", node, existingAlias)
				}
				continue
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			seenAliases[alias] = node
			seenNodes[node] = alias
		}

		// injectivity: every (alias,node) pair agrees both directions
		for alias, node := range seenAliases {
			gotNode, ok := table.NodeFor(alias)
			if !ok || !gotNode.Equal(node) {
				t.Fatalf("alias->node broken for %v", alias)
			}
			gotAlias, ok := table.AliasFor(node)
			if !ok || gotAlias != alias {
				t.Fatalf("node->alias broken for %v", node)
			}
		}
	})
}
