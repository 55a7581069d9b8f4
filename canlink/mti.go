package canlink

// MTI is a 16-bit OpenLCB Message Type Indicator. Only the low 15 bits
// are significant on the wire (bit 15 of the CAN header's MTI field is
// reserved to discriminate message frames from CAN control frames —
// see SPEC_FULL.md "CAN header bit layout"). The set below is closed,
// covering the messages exercised by the datagram and memory-
// configuration flows plus the handful of identify/verify messages
// those flows assume are already available on the link.
type MTI uint16

const (
	MTIInitializationComplete     MTI = 0x0100
	MTIVerifyNodeIDGlobal         MTI = 0x0490
	MTIVerifyNodeIDAddressed      MTI = 0x0488
	MTIVerifiedNodeID             MTI = 0x0170
	MTIOptionalInteractionRej     MTI = 0x0068
	MTIIdentifyEventsAddressed    MTI = 0x0968
	MTIIdentifyEventsGlobal       MTI = 0x0970
	MTIProducerIdentified         MTI = 0x0545
	MTIConsumerIdentified         MTI = 0x04C4
	MTISimpleNodeInfoRequest      MTI = 0x0DE8
	MTISimpleNodeInfoReply        MTI = 0x0A08
	MTIDatagram                   MTI = 0x1C48
	MTIDatagramReceivedOK         MTI = 0x0A28
	MTIDatagramRejected           MTI = 0x0A48
)

// addressedMTIs is the set of MTIs that carry a destination NodeID. All
// others are global (broadcast to the link).
var addressedMTIs = map[MTI]bool{
	MTIVerifyNodeIDAddressed:   true,
	MTIIdentifyEventsAddressed: true,
	MTISimpleNodeInfoRequest:   true,
	MTISimpleNodeInfoReply:     true,
	MTIDatagram:                true,
	MTIDatagramReceivedOK:      true,
	MTIDatagramRejected:        true,
	MTIOptionalInteractionRej:  true,
}

// IsAddressed reports whether messages of this MTI require a
// destination NodeID.
func (m MTI) IsAddressed() bool {
	return addressedMTIs[m]
}

func (m MTI) String() string {
	switch m {
	case MTIInitializationComplete:
		return "InitializationComplete"
	case MTIVerifyNodeIDGlobal:
		return "VerifyNodeIDGlobal"
	case MTIVerifyNodeIDAddressed:
		return "VerifyNodeIDAddressed"
	case MTIVerifiedNodeID:
		return "VerifiedNodeID"
	case MTIOptionalInteractionRej:
		return "OptionalInteractionRejected"
	case MTIIdentifyEventsAddressed:
		return "IdentifyEventsAddressed"
	case MTIIdentifyEventsGlobal:
		return "IdentifyEventsGlobal"
	case MTIProducerIdentified:
		return "ProducerIdentified"
	case MTIConsumerIdentified:
		return "ConsumerIdentified"
	case MTISimpleNodeInfoRequest:
		return "SimpleNodeInfoRequest"
	case MTISimpleNodeInfoReply:
		return "SimpleNodeInfoReply"
	case MTIDatagram:
		return "Datagram"
	case MTIDatagramReceivedOK:
		return "DatagramReceivedOK"
	case MTIDatagramRejected:
		return "DatagramRejected"
	default:
		return "MTI(unknown)"
	}
}
