// Package canlink implements the OpenLCB/LCC CAN link layer
// (spec.md §4.2): alias arbitration, CAN-frame <-> Message translation,
// and multi-frame reassembly. It sits between the GridConnect codec
// below and the Datagram/Memory services above.
package canlink

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/openlcb-go/lccnode/canframe"
	"github.com/openlcb-go/lccnode/nodeid"
	"github.com/openlcb-go/lccnode/xlog"
)

// LinkState is the per-link arbitration/readiness state (spec.md §4.2).
type LinkState int

const (
	StateInitial LinkState = iota
	StateInhibited
	StatePermitted
	StateStopping
)

func (s LinkState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateInhibited:
		return "Inhibited"
	case StatePermitted:
		return "Permitted"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// Timing defaults from spec.md §4.2/§4.3, frozen per SPEC_FULL.md's
// Open Question (b). New installs these values on every Link; there is
// no constructor option or setter to change them.
const (
	DefaultCIDSpacing    = 200 * time.Millisecond
	DefaultPendingWait   = 800 * time.Millisecond
	DefaultMaxArbRetries = 8
)

// ErrAliasExhausted is reported when arbitration cannot find a free
// alias within DefaultMaxArbRetries attempts.
var ErrAliasExhausted = errors.New("canlink: alias arbitration exhausted retries")

// FrameSender is the downward contract to the GridConnect codec (or
// any other CAN-frame sink).
type FrameSender interface {
	SendFrame(f canframe.Frame)
}

// MessageListener receives messages reassembled/decoded from the wire.
type MessageListener func(Message)

// ErrorListener receives non-fatal link-layer conditions (dropped
// frames, AliasExhausted).
type ErrorListener func(error)

type reassemblyKey struct {
	srcAlias  nodeid.Alias
	destAlias nodeid.Alias
	mti       MTI
}

type reassemblyBuf struct {
	data    []byte
	started time.Time
}

type pendingFrame struct {
	frame    canframe.Frame
	received time.Time
}

type outboundSlot struct {
	dest nodeid.NodeID
}

// Link is the per-link CAN state machine.
type Link struct {
	local  nodeid.NodeID
	sender FrameSender
	logger *log.Logger

	state      LinkState
	table      *aliasTable
	localAlias nodeid.Alias

	cidSpacing    time.Duration
	pendingWait   time.Duration
	maxArbRetries int

	arbActive   bool
	arbAttempt  int
	arbStep     int // 0=not started, 1..4=that many CIDs sent, 5=RID sent
	arbDeadline time.Time
	arbCandidate nodeid.Alias

	messageListeners []MessageListener
	errorListener    ErrorListener

	reassembly map[reassemblyKey]*reassemblyBuf
	pending    map[nodeid.Alias][]pendingFrame

	outbound map[nodeid.NodeID]outboundSlot
}

// New constructs a Link for the given local NodeID. logger may be nil.
func New(local nodeid.NodeID, sender FrameSender, logger *log.Logger) *Link {
	return &Link{
		local:         local,
		sender:        sender,
		logger:        xlog.OrDefault(logger),
		state:         StateInitial,
		table:         newAliasTable(),
		cidSpacing:    DefaultCIDSpacing,
		pendingWait:   DefaultPendingWait,
		maxArbRetries: DefaultMaxArbRetries,
		reassembly:    make(map[reassemblyKey]*reassemblyBuf),
		pending:       make(map[nodeid.Alias][]pendingFrame),
		outbound:      make(map[nodeid.NodeID]outboundSlot),
	}
}

// RegisterMessageListener adds a listener invoked for each decoded
// Message, in registration order.
func (l *Link) RegisterMessageListener(ml MessageListener) {
	l.messageListeners = append(l.messageListeners, ml)
}

// RegisterErrorListener sets the callback for non-fatal link conditions.
func (l *Link) RegisterErrorListener(el ErrorListener) {
	l.errorListener = el
}

func (l *Link) reportError(err error) {
	l.logger.Warn("canlink: error", "err", err)
	if l.errorListener != nil {
		l.errorListener(err)
	}
}

// State returns the current link state.
func (l *Link) State() LinkState {
	return l.state
}

// LocalAlias returns the alias currently assigned to the local node.
// Only meaningful once State() == StatePermitted.
func (l *Link) LocalAlias() nodeid.Alias {
	return l.localAlias
}

// PhysicalLayerUp begins alias arbitration (spec.md §4.2).
func (l *Link) PhysicalLayerUp(now time.Time) {
	if l.state != StateInitial && l.state != StateStopping {
		return
	}
	l.state = StateInhibited
	l.startArbitration(now)
}

// PhysicalLayerDown tears the link down: sends AMR, clears the alias
// table, and discards any in-flight reassembly. Teardown is modeled as
// synchronous (spec.md §4.2's Stopping state is traversed but not
// observable between calls), landing back in Initial and ready for a
// subsequent PhysicalLayerUp.
func (l *Link) PhysicalLayerDown() {
	l.state = StateStopping
	if l.localAlias != 0 {
		l.sender.SendFrame(amrFrame(l.localAlias, l.local))
	}
	l.table.Clear()
	l.reassembly = make(map[reassemblyKey]*reassemblyBuf)
	l.pending = make(map[nodeid.Alias][]pendingFrame)
	l.outbound = make(map[nodeid.NodeID]outboundSlot)
	l.localAlias = 0
	l.arbActive = false
	l.state = StateInitial
}

// Tick advances timers: alias-arbitration deadlines and pending-frame
// expiry (spec.md §5: "the event loop calls tick(now) to advance
// timeouts").
func (l *Link) Tick(now time.Time) {
	l.tickArbitration(now)
	l.expirePending(now)
}

// HandleFrame processes one inbound CAN frame (from the GridConnect
// decoder's frame listener).
func (l *Link) HandleFrame(f canframe.Frame) {
	if !f.Extended {
		l.logger.Debug("canlink: ignoring non-OpenLCB standard frame")
		return
	}
	field := f.MTIField()
	if isControlFrame(field) {
		l.handleControlFrame(f, time.Now())
		return
	}
	if l.state != StatePermitted {
		l.logger.Debug("canlink: dropping message frame, link not Permitted")
		return
	}
	l.handleMessageFrame(f, time.Now())
}

// SendMessage converts msg to one or more CAN frames and sends them.
// Only one outbound message per destination may be in flight at a time
// (spec.md §4.2); callers needing more must queue at their own layer.
func (l *Link) SendMessage(msg Message) error {
	if l.state != StatePermitted {
		return fmt.Errorf("canlink: cannot send, link state is %s", l.state)
	}
	if msg.IsAddressed() {
		dest := *msg.Dest
		if _, busy := l.outbound[dest]; busy {
			return fmt.Errorf("canlink: outbound message already in flight to %s", dest)
		}
		destAlias, ok := l.table.AliasFor(dest)
		if !ok {
			return fmt.Errorf("canlink: no alias known for destination %s", dest)
		}
		l.outbound[dest] = outboundSlot{dest: dest}
		frames, err := addressedFrames(msg, l.localAlias, destAlias)
		if err != nil {
			delete(l.outbound, dest)
			return err
		}
		for _, fr := range frames {
			l.sender.SendFrame(fr)
		}
		delete(l.outbound, dest)
		return nil
	}

	fr, err := globalFrame(msg, l.localAlias)
	if err != nil {
		return err
	}
	l.sender.SendFrame(fr)
	return nil
}

func (l *Link) deliverMessage(m Message) {
	for _, ml := range l.messageListeners {
		ml(m)
	}
}
