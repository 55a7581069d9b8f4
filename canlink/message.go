package canlink

import "github.com/openlcb-go/lccnode/nodeid"

// Message is the layer-2 unit handed between the CAN link layer and
// everything above it (spec.md §3). Messages are always addressed by
// NodeID, never by alias.
type Message struct {
	MTI    MTI
	Source nodeid.NodeID
	Dest   *nodeid.NodeID // nil for global messages
	Data   []byte
}

// NewGlobal builds a global (broadcast) message.
func NewGlobal(mti MTI, source nodeid.NodeID, data []byte) Message {
	return Message{MTI: mti, Source: source, Data: data}
}

// NewAddressed builds an addressed message.
func NewAddressed(mti MTI, source, dest nodeid.NodeID, data []byte) Message {
	d := dest
	return Message{MTI: mti, Source: source, Dest: &d, Data: data}
}

// IsAddressed reports whether this message carries a destination.
func (m Message) IsAddressed() bool {
	return m.Dest != nil
}
