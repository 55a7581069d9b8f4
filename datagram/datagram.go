// Package datagram implements the OpenLCB/LCC datagram service
// (spec.md §4.3): reliable point-to-point transfers of up to 64 payload
// bytes atop addressed CAN-link messages, with per-peer FIFO and a
// single in-flight transaction per destination.
package datagram

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/openlcb-go/lccnode/canlink"
	"github.com/openlcb-go/lccnode/events"
	"github.com/openlcb-go/lccnode/nodeid"
	"github.com/openlcb-go/lccnode/xlog"
)

// MaxPayload is the largest payload a single datagram may carry.
const MaxPayload = 64

// DefaultTimeout is how long the service waits for a received-OK/reject
// reply before synthesizing a Timeout rejection (spec.md §4.3, timing
// frozen per SPEC_FULL.md Open Question (b)).
const DefaultTimeout = 3 * time.Second

// RejectReason distinguishes why a send failed.
type RejectReason int

const (
	RejectCode RejectReason = iota // peer sent Datagram_Rejected with a protocol code
	RejectTimeout
	RejectCancelled
	RejectPermanentError // the link refused to send the datagram
)

// SendResult is passed to a WriteMemo's OnReject callback.
type SendResult struct {
	Reason RejectReason
	Code   uint16 // protocol reject code, meaningful when Reason == RejectCode
}

// WriteMemo is one outbound datagram transaction (spec.md §3).
type WriteMemo struct {
	Peer     nodeid.NodeID
	Payload  []byte
	OnOk     func()
	OnReject func(SendResult)

	cancelled bool
	svc       *Service
}

// Cancel marks the memo cancelled. If it has not yet reached the wire it
// is removed from its peer's queue immediately and no network traffic
// is ever generated on its behalf; if already in flight, its terminal
// callback still fires (with RejectCancelled) once the real reply
// arrives or the timeout elapses, per spec.md §5.
func (m *WriteMemo) Cancel() {
	m.cancelled = true
	if m.svc != nil {
		m.svc.cancelQueued(m)
	}
}

// ReceiveListener handles an inbound Datagram message. It returns true
// if it has itself sent Datagram_Received_OK or Datagram_Rejected on the
// service's behalf; returning false lets the service auto-ACK.
type ReceiveListener func(peer nodeid.NodeID, payload []byte) (handled bool, err error)

// sender is the subset of *canlink.Link the service depends on, so
// tests can substitute a fake.
type sender interface {
	SendMessage(canlink.Message) error
	RegisterMessageListener(canlink.MessageListener)
	LocalAlias() nodeid.Alias
}

// Service implements the datagram transaction layer atop a link.
type Service struct {
	link   sender
	local  nodeid.NodeID
	logger *log.Logger

	timeout time.Duration

	queue    *events.PeerQueue[*WriteMemo]
	deadline map[nodeid.NodeID]*events.Deadline

	receiveListeners []ReceiveListener
}

// New constructs a Service atop link, owned by the given local NodeID.
// logger may be nil.
func New(local nodeid.NodeID, link sender, logger *log.Logger) *Service {
	s := &Service{
		link:     link,
		local:    local,
		logger:   xlog.OrDefault(logger),
		timeout:  DefaultTimeout,
		queue:    events.NewPeerQueue[*WriteMemo](),
		deadline: make(map[nodeid.NodeID]*events.Deadline),
	}
	link.RegisterMessageListener(s.onMessage)
	return s
}

// RegisterReceiveListener adds a listener invoked, in registration
// order, for each inbound datagram (spec.md §4.3 receive path).
func (s *Service) RegisterReceiveListener(rl ReceiveListener) {
	s.receiveListeners = append(s.receiveListeners, rl)
}

// Send enqueues memo. If no transaction is currently in flight to
// memo.Peer, it is transmitted immediately; otherwise it waits behind
// the peer's FIFO.
func (s *Service) Send(memo *WriteMemo) error {
	if len(memo.Payload) > MaxPayload {
		return fmt.Errorf("datagram: payload of %d bytes exceeds max %d", len(memo.Payload), MaxPayload)
	}
	memo.svc = s
	head, dispatch := s.queue.Enqueue(memo.Peer, memo)
	if dispatch {
		return s.dispatch(memo.Peer, head)
	}
	return nil
}

// cancelQueued is called from WriteMemo.Cancel. A memo still waiting
// behind the peer's in-flight head is spliced out of the queue right
// away, generating no traffic; the in-flight head itself is left in
// place for finish() to resolve as Cancelled once its reply or timeout
// arrives.
func (s *Service) cancelQueued(memo *WriteMemo) {
	head, hasHead := s.queue.Head(memo.Peer)
	if hasHead && head == memo && s.queue.InFlight(memo.Peer) {
		return
	}
	s.queue.Remove(memo.Peer, func(m *WriteMemo) bool { return m == memo })
}

func (s *Service) dispatch(peer nodeid.NodeID, memo *WriteMemo) error {
	if memo.cancelled {
		s.completeHead(peer, memo, func() {}, func() {})
		return nil
	}
	s.queue.SetInFlight(peer, true)
	msg := canlink.NewAddressed(canlink.MTIDatagram, s.local, peer, memo.Payload)
	if err := s.link.SendMessage(msg); err != nil {
		s.completeHead(peer, memo, func() {}, func() {
			if memo.OnReject != nil {
				memo.OnReject(SendResult{Reason: RejectPermanentError})
			}
		})
		return err
	}
	d := &events.Deadline{}
	d.Arm(time.Now(), s.timeout)
	s.deadline[peer] = d
	return nil
}

// Tick advances per-peer reply timeouts (spec.md §5).
func (s *Service) Tick(now time.Time) {
	for peer, d := range s.deadline {
		if d.Expired(now) {
			delete(s.deadline, peer)
			memo, ok := s.queue.Head(peer)
			if !ok {
				continue
			}
			s.completeHead(peer, memo, func() {}, func() {
				if memo.OnReject != nil {
					memo.OnReject(SendResult{Reason: RejectTimeout})
				}
			})
		}
	}
}

func (s *Service) onMessage(m canlink.Message) {
	switch m.MTI {
	case canlink.MTIDatagramReceivedOK:
		s.completeOutbound(m.Source, true, SendResult{})
	case canlink.MTIDatagramRejected:
		code := decodeRejectCode(m.Data)
		s.completeOutbound(m.Source, false, SendResult{Reason: RejectCode, Code: code})
	case canlink.MTIDatagram:
		s.handleInbound(m)
	}
}

func decodeRejectCode(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return uint16(data[0])<<8 | uint16(data[1])
}

func (s *Service) completeOutbound(peer nodeid.NodeID, ok bool, result SendResult) {
	memo, has := s.queue.Head(peer)
	if !has || !s.queue.InFlight(peer) {
		return
	}
	delete(s.deadline, peer)
	if ok {
		s.completeHead(peer, memo, func() {
			if memo.OnOk != nil {
				memo.OnOk()
			}
		}, func() {})
	} else {
		s.completeHead(peer, memo, func() {}, func() {
			if memo.OnReject != nil {
				memo.OnReject(result)
			}
		})
	}
}

// completeHead fires exactly one of onOk/onReject (honouring
// cancellation, spec.md §5), then advances the peer's queue and
// dispatches the next memo if any.
func (s *Service) completeHead(peer nodeid.NodeID, memo *WriteMemo, onOk, onReject func()) {
	s.finish(peer, memo, onOk, onReject)
	next, ok := s.queue.Advance(peer)
	if ok {
		if err := s.dispatch(peer, next); err != nil {
			s.logger.Warn("datagram: dispatch failed", "peer", peer, "err", err)
		}
	}
}

func (s *Service) finish(peer nodeid.NodeID, memo *WriteMemo, onOk, onReject func()) {
	s.queue.SetInFlight(peer, false)
	if memo.cancelled {
		if memo.OnReject != nil {
			memo.OnReject(SendResult{Reason: RejectCancelled})
		}
		return
	}
	onOk()
	onReject()
}

func (s *Service) handleInbound(m canlink.Message) {
	handled := false
	for _, rl := range s.receiveListeners {
		ok, err := rl(m.Source, m.Data)
		if err != nil {
			s.reject(m.Source)
			s.logger.Warn("datagram: receive listener error", "peer", m.Source, "err", err)
			return
		}
		if ok {
			handled = true
		}
	}
	if !handled {
		s.acceptOK(m.Source)
	}
}

func (s *Service) acceptOK(peer nodeid.NodeID) {
	msg := canlink.NewAddressed(canlink.MTIDatagramReceivedOK, s.local, peer, nil)
	if err := s.link.SendMessage(msg); err != nil {
		s.logger.Warn("datagram: failed to send Datagram_Received_OK", "peer", peer, "err", err)
	}
}

// AcknowledgeReceived sends Datagram_Received_OK to peer. A receive
// listener that wants to control exactly when the acknowledgement
// lands relative to its own follow-on traffic (for example, Memory
// service's next queued request) calls this itself and returns true
// so the service does not also auto-acknowledge.
func (s *Service) AcknowledgeReceived(peer nodeid.NodeID) {
	s.acceptOK(peer)
}

func (s *Service) reject(peer nodeid.NodeID) {
	data := []byte{0x10, 0x00} // PermanentError, per spec.md §7
	msg := canlink.NewAddressed(canlink.MTIDatagramRejected, s.local, peer, data)
	if err := s.link.SendMessage(msg); err != nil {
		s.logger.Warn("datagram: failed to send Datagram_Rejected", "peer", peer, "err", err)
	}
}
