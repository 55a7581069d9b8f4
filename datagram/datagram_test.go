package datagram

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlcb-go/lccnode/canlink"
	"github.com/openlcb-go/lccnode/nodeid"
)

// fakeLink stands in for *canlink.Link, mirroring the Python test
// suite's LinkMockLayer: it records every outbound message and lets
// the test feed inbound ones back through the registered listener.
// sendErr, when set, is returned once by the next SendMessage call and
// then cleared, modeling a transient send failure such as canlink
// reporting no alias known yet for the destination.
type fakeLink struct {
	sent     []canlink.Message
	listener canlink.MessageListener
	alias    nodeid.Alias
	sendErr  error
}

func (f *fakeLink) SendMessage(m canlink.Message) error {
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeLink) RegisterMessageListener(l canlink.MessageListener) {
	f.listener = l
}

func (f *fakeLink) LocalAlias() nodeid.Alias { return f.alias }

func (f *fakeLink) deliver(m canlink.Message) {
	f.listener(m)
}

func mustNode(v uint64) nodeid.NodeID {
	n, err := nodeid.FromUint64(v)
	if err != nil {
		panic(err)
	}
	return n
}

// TestSingleSend covers scenario S1's datagram half: one send,
// Datagram_Received_OK completes it.
func TestSingleSend(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	var oks int
	err := svc.Send(&WriteMemo{
		Peer:    peer,
		Payload: []byte{0x20, 0x41, 0, 0, 0, 0, 64},
		OnOk:    func() { oks++ },
	})
	require.NoError(t, err)
	require.Len(t, link.sent, 1)
	assert.Equal(t, canlink.MTIDatagram, link.sent[0].MTI)
	assert.Equal(t, []byte{0x20, 0x41, 0, 0, 0, 0, 64}, link.sent[0].Data)
	assert.Equal(t, 0, oks)

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramReceivedOK, peer, local, nil))
	assert.Equal(t, 1, oks)
}

// TestQueuedMultiSend covers spec.md §8 property 5 and scenario S2:
// only the head memo is on the wire; successors dispatch in submission
// order as each terminal callback fires.
func TestQueuedMultiSend(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		err := svc.Send(&WriteMemo{
			Peer:    peer,
			Payload: []byte{byte(i)},
			OnOk:    func() { order = append(order, i) },
		})
		require.NoError(t, err)
	}

	require.Len(t, link.sent, 1, "only the first memo should be on the wire")
	assert.Equal(t, []byte{0}, link.sent[0].Data)

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramReceivedOK, peer, local, nil))
	require.Len(t, link.sent, 2)
	assert.Equal(t, []byte{1}, link.sent[1].Data)

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramReceivedOK, peer, local, nil))
	require.Len(t, link.sent, 3)
	assert.Equal(t, []byte{2}, link.sent[2].Data)

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramReceivedOK, peer, local, nil))
	assert.Equal(t, []int{0, 1, 2}, order)
}

// TestReject covers scenario S3: Datagram_Rejected carries a code into
// OnReject, and the queue head still advances.
func TestReject(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	var got *SendResult
	err := svc.Send(&WriteMemo{
		Peer:    peer,
		Payload: []byte{1, 2, 3},
		OnReject: func(r SendResult) {
			r := r
			got = &r
		},
	})
	require.NoError(t, err)

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramRejected, peer, local, []byte{0x10, 0x00}))
	require.NotNil(t, got)
	assert.Equal(t, RejectCode, got.Reason)
	assert.Equal(t, uint16(0x1000), got.Code)
}

func TestTimeout(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	var gotReason RejectReason
	start := time.Unix(0, 0)
	err := svc.Send(&WriteMemo{
		Peer:     peer,
		Payload:  []byte{1},
		OnReject: func(r SendResult) { gotReason = r.Reason },
	})
	require.NoError(t, err)

	svc.Tick(start.Add(DefaultTimeout + time.Millisecond))
	assert.Equal(t, RejectTimeout, gotReason)
}

// TestReceiveAutoAcks covers the receive path: no listener handles the
// datagram, so the service auto-ACKs with Datagram_Received_OK.
func TestReceiveAutoAcks(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	link.deliver(canlink.NewAddressed(canlink.MTIDatagram, peer, local, []byte{1, 2, 3}))
	require.Len(t, link.sent, 1)
	assert.Equal(t, canlink.MTIDatagramReceivedOK, link.sent[0].MTI)
}

// TestReceiveListenerHandles verifies a listener that returns true
// suppresses the auto-ACK.
func TestReceiveListenerHandles(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	var seen []byte
	svc.RegisterReceiveListener(func(p nodeid.NodeID, data []byte) (bool, error) {
		seen = data
		return true, nil
	})

	link.deliver(canlink.NewAddressed(canlink.MTIDatagram, peer, local, []byte{9, 8, 7}))
	assert.Equal(t, []byte{9, 8, 7}, seen)
	assert.Empty(t, link.sent, "listener claimed responsibility for the ack")
}

// TestReceiveListenerErrorRejects verifies a listener error causes the
// service to send Datagram_Rejected with PermanentError.
func TestReceiveListenerErrorRejects(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	svc.RegisterReceiveListener(func(p nodeid.NodeID, data []byte) (bool, error) {
		return false, assert.AnError
	})

	link.deliver(canlink.NewAddressed(canlink.MTIDatagram, peer, local, []byte{1}))
	require.Len(t, link.sent, 1)
	assert.Equal(t, canlink.MTIDatagramRejected, link.sent[0].MTI)
}

// TestCancelBeforeReplyStillFiresOnTerminalReply models spec.md §5's
// cancellation rule: a cancelled in-flight memo's callback fires as
// Cancelled once the real reply arrives, and nothing further is sent
// on its behalf.
func TestCancelBeforeReplyStillFiresOnTerminalReply(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	var gotReason RejectReason
	memo := &WriteMemo{
		Peer:     peer,
		Payload:  []byte{1},
		OnOk:     func() { t.Fatal("OnOk must not fire once cancelled") },
		OnReject: func(r SendResult) { gotReason = r.Reason },
	}
	require.NoError(t, svc.Send(memo))
	memo.Cancel()

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramReceivedOK, peer, local, nil))
	assert.Equal(t, RejectCancelled, gotReason)
}

// TestDispatchFailureAdvancesQueue covers a send failure for the head
// memo (e.g. canlink reporting no alias known yet for the destination,
// a datagram write racing ahead of alias arbitration for that peer):
// the queue must still advance so a subsequent memo to the same peer
// reaches the wire instead of queueing behind the failed head forever.
func TestDispatchFailureAdvancesQueue(t *testing.T) {
	link := &fakeLink{sendErr: errors.New("canlink: no alias known for destination")}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	var failed int
	err := svc.Send(&WriteMemo{
		Peer:     peer,
		Payload:  []byte{1},
		OnReject: func(r SendResult) { failed++ },
	})
	require.Error(t, err)
	assert.Equal(t, 1, failed)
	assert.Empty(t, link.sent, "the failed send itself never reached fakeLink.sent")

	var ok bool
	require.NoError(t, svc.Send(&WriteMemo{
		Peer:    peer,
		Payload: []byte{2},
		OnOk:    func() { ok = true },
	}))
	require.Len(t, link.sent, 1, "the next memo must dispatch once the failed head advances")
	assert.Equal(t, []byte{2}, link.sent[0].Data)

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramReceivedOK, peer, local, nil))
	assert.True(t, ok)
}

// TestCancelWhileQueuedGeneratesNoTraffic covers cancelling a memo that
// is waiting behind another in-flight transaction to the same peer: it
// must be removed from the queue with no datagram ever sent on its
// behalf, and the queue must still progress to the memo behind it.
func TestCancelWhileQueuedGeneratesNoTraffic(t *testing.T) {
	link := &fakeLink{}
	local := mustNode(12)
	peer := mustNode(123)
	svc := New(local, link, nil)

	require.NoError(t, svc.Send(&WriteMemo{Peer: peer, Payload: []byte{0}}))
	require.Len(t, link.sent, 1, "first memo dispatches immediately")

	queued := &WriteMemo{
		Peer:    peer,
		Payload: []byte{1},
		OnOk:    func() { t.Fatal("cancelled-while-queued memo must never reach the wire") },
	}
	require.NoError(t, svc.Send(queued))
	queued.Cancel()

	var thirdOK bool
	require.NoError(t, svc.Send(&WriteMemo{
		Peer:    peer,
		Payload: []byte{2},
		OnOk:    func() { thirdOK = true },
	}))

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramReceivedOK, peer, local, nil))
	require.Len(t, link.sent, 2, "cancelled memo skipped; only the first and third were ever sent")
	assert.Equal(t, []byte{2}, link.sent[1].Data)

	link.deliver(canlink.NewAddressed(canlink.MTIDatagramReceivedOK, peer, local, nil))
	assert.True(t, thirdOK)
}
