// Package memconfig implements the OpenLCB/LCC memory configuration
// protocol (spec.md §4.4) as a request queue atop the datagram service:
// reads and writes against a node's configuration spaces, serialised
// one-in-flight per peer.
package memconfig

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/openlcb-go/lccnode/datagram"
	"github.com/openlcb-go/lccnode/events"
	"github.com/openlcb-go/lccnode/nodeid"
	"github.com/openlcb-go/lccnode/xlog"
)

// Well-known short-form spaces (spec.md §4.4).
const (
	SpaceConfig = 0xFD
	SpaceAll    = 0xFE
	SpaceCDI    = 0xFF
)

// ErrOutOfRange is raised by intToArray when a value does not fit in
// the requested byte length (spec.md §7).
var ErrOutOfRange = errors.New("memconfig: value out of range for length")

// MemoryFault is surfaced via a memo's OnFail when a peer replies with
// an error-variant command byte (spec.md §7).
type MemoryFault struct {
	Code uint16
}

func (e *MemoryFault) Error() string {
	return fmt.Sprintf("memconfig: memory fault code 0x%04X", e.Code)
}

const (
	cmdWriteBase      = 0x00
	cmdWriteReplyBase = 0x10
	cmdReadBase       = 0x40
	cmdReadReplyBase  = 0x50
	cmdErrorBit       = 0x08
)

// ReadMemo describes one outstanding memory-read request (spec.md §3).
// OnOk receives the bytes read; OnFail receives the fault code. A
// read's OnOk commonly re-enqueues a new ReadMemo with Address bumped
// by len(data) to stream a large object (the CDI loader does this).
type ReadMemo struct {
	Peer    nodeid.NodeID
	Size    int
	Space   uint8
	Address uint32
	OnOk    func(data []byte)
	OnFail  func(code uint16)

	cancelled bool
	svc       *Service
	dg        *datagram.WriteMemo
}

// Cancel marks the read cancelled (spec.md §5: "any in-flight datagram
// or memory memo may be cancelled"). If it has not yet reached the
// wire it is removed from its peer's queue immediately, with no
// traffic generated on its behalf; if already in flight, the
// underlying datagram transaction is cancelled, neither OnOk nor
// OnFail fires, and the queue advances once that transaction or the
// reply resolves.
func (m *ReadMemo) Cancel() {
	m.cancelled = true
	if m.svc != nil {
		m.svc.cancelQueued(m.Peer, func(item *peerQueueItem) bool { return item.read == m })
	}
}

// WriteMemo describes one outstanding memory-write request.
type WriteMemo struct {
	Peer    nodeid.NodeID
	Space   uint8
	Address uint32
	Data    []byte
	OnOk    func()
	OnFail  func(code uint16)

	cancelled bool
	svc       *Service
	dg        *datagram.WriteMemo
}

// Cancel marks the write cancelled; see ReadMemo.Cancel.
func (m *WriteMemo) Cancel() {
	m.cancelled = true
	if m.svc != nil {
		m.svc.cancelQueued(m.Peer, func(item *peerQueueItem) bool { return item.write == m })
	}
}

// peerQueueItem is the flat sum type queued per peer (spec.md §9's
// "tagged variants and a flat dispatch table" design note): exactly
// one of read/write is set.
type peerQueueItem struct {
	read  *ReadMemo
	write *WriteMemo
}

// Service implements the memory-configuration request queue atop a
// datagram service.
type Service struct {
	dgram  *datagram.Service
	local  nodeid.NodeID
	logger *log.Logger

	queue *events.PeerQueue[*peerQueueItem]
}

// New constructs a Service atop dgram. logger may be nil.
func New(local nodeid.NodeID, dgram *datagram.Service, logger *log.Logger) *Service {
	s := &Service{
		dgram:  dgram,
		local:  local,
		logger: xlog.OrDefault(logger),
		queue:  events.NewPeerQueue[*peerQueueItem](),
	}
	return s
}

// RequestRead enqueues memo (spec.md §4.4). If nothing else is
// in flight to memo.Peer, it is sent immediately.
func (s *Service) RequestRead(memo *ReadMemo) {
	memo.svc = s
	item := &peerQueueItem{read: memo}
	head, dispatch := s.queue.Enqueue(memo.Peer, item)
	if dispatch {
		s.dispatchRead(memo.Peer, head)
	}
}

// RequestWrite enqueues memo. If nothing else is in flight to
// memo.Peer, it is sent immediately.
func (s *Service) RequestWrite(memo *WriteMemo) {
	memo.svc = s
	item := &peerQueueItem{write: memo}
	head, dispatch := s.queue.Enqueue(memo.Peer, item)
	if dispatch {
		s.dispatchWrite(memo.Peer, head)
	}
}

// cancelQueued is called from ReadMemo.Cancel/WriteMemo.Cancel. An item
// still waiting behind the peer's in-flight head is spliced out of the
// queue right away, generating no traffic; the in-flight head's
// underlying datagram transaction is cancelled instead, so its own
// terminal-reply handling resolves it.
func (s *Service) cancelQueued(peer nodeid.NodeID, match func(*peerQueueItem) bool) {
	head, hasHead := s.queue.Head(peer)
	if hasHead && match(head) {
		switch {
		case head.read != nil && head.read.dg != nil:
			head.read.dg.Cancel()
		case head.write != nil && head.write.dg != nil:
			head.write.dg.Cancel()
		}
		return
	}
	s.queue.Remove(peer, match)
}

func (s *Service) dispatchRead(peer nodeid.NodeID, item *peerQueueItem) {
	memo := item.read
	if memo.cancelled {
		s.advance(peer)
		return
	}
	payload := readCommand(memo.Space, memo.Address, memo.Size)
	memo.dg = &datagram.WriteMemo{
		Peer:    peer,
		Payload: payload,
		OnReject: func(r datagram.SendResult) {
			s.failAndAdvance(peer, item, uint16(r.Code))
		},
	}
	if err := s.dgram.Send(memo.dg); err != nil {
		s.logger.Warn("memconfig: send failed", "peer", peer, "err", err)
		s.failAndAdvance(peer, item, 0)
	}
}

func (s *Service) dispatchWrite(peer nodeid.NodeID, item *peerQueueItem) {
	memo := item.write
	if memo.cancelled {
		s.advance(peer)
		return
	}
	payload := writeCommand(memo.Space, memo.Address, memo.Data)
	memo.dg = &datagram.WriteMemo{
		Peer:    peer,
		Payload: payload,
		OnReject: func(r datagram.SendResult) {
			s.failAndAdvance(peer, item, uint16(r.Code))
		},
	}
	if err := s.dgram.Send(memo.dg); err != nil {
		s.logger.Warn("memconfig: send failed", "peer", peer, "err", err)
		s.failAndAdvance(peer, item, 0)
	}
}

// failAndAdvance reports a fault to the head memo's OnFail, unless the
// memo was cancelled — a cancelled memo never fires OnOk or OnFail — and
// advances the queue to the next item either way.
func (s *Service) failAndAdvance(peer nodeid.NodeID, item *peerQueueItem, code uint16) {
	switch {
	case item.read != nil:
		if !item.read.cancelled && item.read.OnFail != nil {
			item.read.OnFail(code)
		}
	case item.write != nil:
		if !item.write.cancelled && item.write.OnFail != nil {
			item.write.OnFail(code)
		}
	}
	s.advance(peer)
}

func (s *Service) advance(peer nodeid.NodeID) {
	next, ok := s.queue.Advance(peer)
	if !ok {
		return
	}
	if next.read != nil {
		s.dispatchRead(peer, next)
	} else {
		s.dispatchWrite(peer, next)
	}
}

// ReceiveListener processes an inbound reply datagram from peer.
// Register it with the datagram service's RegisterReceiveListener. A
// reply belonging to the head memo is acknowledged immediately (before
// any follow-on request it triggers, e.g. the next queued read) and
// the listener reports handled=true so the datagram service does not
// also auto-acknowledge; anything else is left for the datagram
// service or another listener.
func (s *Service) ReceiveListener(peer nodeid.NodeID, data []byte) (handled bool, err error) {
	if len(data) < 2 || data[0] != 0x20 {
		return false, nil
	}
	cmd := data[1]
	item, ok := s.queue.Head(peer)
	if !ok {
		return false, nil
	}

	switch {
	case item.read != nil && isReadReply(cmd):
		s.dgram.AcknowledgeReceived(peer)
		s.completeRead(peer, item, cmd, data[2:])
		return true, nil
	case item.write != nil && isWriteReply(cmd):
		s.dgram.AcknowledgeReceived(peer)
		s.completeWrite(peer, item, cmd, data[2:])
		return true, nil
	}
	return false, nil
}

func isReadReply(cmd byte) bool {
	return cmd&0xF8 == cmdReadReplyBase || cmd&0xF8 == cmdReadReplyBase+cmdErrorBit
}

func isWriteReply(cmd byte) bool {
	return cmd&0xF8 == cmdWriteReplyBase || cmd&0xF8 == cmdWriteReplyBase+cmdErrorBit
}

func (s *Service) completeRead(peer nodeid.NodeID, item *peerQueueItem, cmd byte, rest []byte) {
	memo := item.read
	if memo.cancelled {
		s.advance(peer)
		return
	}
	addrLen := 4
	if len(rest) < addrLen {
		s.failAndAdvance(peer, item, 0)
		return
	}
	body := rest[addrLen:]
	if cmd&cmdErrorBit != 0 {
		code := uint16(0)
		if len(body) >= 2 {
			code = uint16(body[0])<<8 | uint16(body[1])
		}
		s.failAndAdvance(peer, item, code)
		return
	}
	if memo.OnOk != nil {
		memo.OnOk(body)
	}
	s.advance(peer)
}

func (s *Service) completeWrite(peer nodeid.NodeID, item *peerQueueItem, cmd byte, rest []byte) {
	memo := item.write
	if memo.cancelled {
		s.advance(peer)
		return
	}
	if cmd&cmdErrorBit != 0 {
		code := uint16(0)
		if len(rest) >= 6 {
			code = uint16(rest[4])<<8 | uint16(rest[5])
		}
		s.failAndAdvance(peer, item, code)
		return
	}
	if memo.OnOk != nil {
		memo.OnOk()
	}
	s.advance(peer)
}

// readCommand builds the command-byte sequence for a memory read
// (spec.md §6): `20 <cmd> <4-byte address> [<space-byte>] <size>`.
func readCommand(space uint8, address uint32, size int) []byte {
	cmd, shortForm := spaceEncode(cmdReadBase, space)
	out := []byte{0x20, cmd}
	out = append(out, intToArray(int64(address), 4)...)
	if !shortForm {
		out = append(out, space)
	}
	out = append(out, byte(size))
	return out
}

// writeCommand builds the command-byte sequence for a memory write.
func writeCommand(space uint8, address uint32, data []byte) []byte {
	cmd, shortForm := spaceEncode(cmdWriteBase, space)
	out := []byte{0x20, cmd}
	out = append(out, intToArray(int64(address), 4)...)
	if !shortForm {
		out = append(out, space)
	}
	out = append(out, data...)
	return out
}

// spaceEncode picks the short form (space packed into the low 2 bits
// of the command byte, for space in {0xFD,0xFE,0xFF}) or the long form
// (explicit space byte, command byte's low 2 bits unused), mirroring
// spaceDecode's inverse.
func spaceEncode(base byte, space uint8) (cmd byte, shortForm bool) {
	switch space {
	case 0xFD:
		return base | 0x01, true
	case 0xFE:
		return base | 0x02, true
	case 0xFF:
		return base | 0x03, true
	default:
		return base | 0x00, false
	}
}

// spaceDecode inverts spaceEncode given a command byte. When the low 2
// bits of cmd are zero, the space is carried by an explicit byte 6 and
// spaceDecode returns (true, cmd) — the caller reads the real space ID
// from byte 6 itself. Otherwise the low 2 bits (1..3) directly identify
// one of the three well-known negative spaces and spaceDecode returns
// (false, those bits).
func spaceDecode(cmd byte) (usesByte6Space bool, space uint8) {
	low2 := cmd & 0x03
	if low2 == 0 {
		return true, cmd
	}
	return false, low2
}

// arrayToString decodes up to maxLen bytes of data as UTF-8, truncating
// at the first NUL byte (spec.md §4.4).
func arrayToString(data []byte, maxLen int) string {
	if maxLen > len(data) {
		maxLen = len(data)
	}
	for i := 0; i < maxLen; i++ {
		if data[i] == 0 {
			return string(data[:i])
		}
	}
	return string(data[:maxLen])
}

// stringToArray encodes s as UTF-8, NUL-padded or truncated to exactly
// length bytes.
func stringToArray(s string, length int) []byte {
	out := make([]byte, length)
	copy(out, s)
	return out
}

// intToArray encodes value as big-endian bytes of exactly length,
// panicking is avoided by callers respecting ErrOutOfRange from
// IntToArray; this unexported helper is used internally where the
// caller has already range-checked (addresses always fit in 4 bytes).
func intToArray(value int64, length int) []byte {
	out := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		out[i] = byte(value)
		value >>= 8
	}
	return out
}

// IntToArray is the exported, range-checked form (spec.md §4.4,
// property 4): encodes value as length big-endian bytes, returning
// ErrOutOfRange if value does not fit.
func IntToArray(value int64, length int) ([]byte, error) {
	if length <= 0 || length > 8 {
		return nil, fmt.Errorf("%w: length %d", ErrOutOfRange, length)
	}
	fits := value >= 0
	if length < 8 {
		var max int64 = 1
		for i := 0; i < length; i++ {
			max <<= 8
		}
		fits = fits && value < max
	}
	if !fits {
		return nil, fmt.Errorf("%w: value %d does not fit in %d bytes", ErrOutOfRange, value, length)
	}
	return intToArray(value, length), nil
}

// ArrayToString is the exported form of arrayToString.
func ArrayToString(data []byte, maxLen int) string { return arrayToString(data, maxLen) }

// StringToArray is the exported form of stringToArray.
func StringToArray(s string, length int) []byte { return stringToArray(s, length) }

// SpaceDecode is the exported form of spaceDecode.
func SpaceDecode(cmd byte) (usesByte6Space bool, space uint8) { return spaceDecode(cmd) }
