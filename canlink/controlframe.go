package canlink

import (
	"github.com/openlcb-go/lccnode/canframe"
	"github.com/openlcb-go/lccnode/nodeid"
)

// Control-frame discriminator and op values, packed into the 16-bit
// field at header bits 27..12 (canframe.Frame.MTIField). Bit 0x8000 of
// that field marks a control frame; message MTIs never set it (see
// SPEC_FULL.md).
const (
	controlFrameFlag uint16 = 0x8000
	ctrlOpRID        uint16 = 0x0700
	ctrlOpAMD        uint16 = 0x0701
	ctrlOpAMR        uint16 = 0x0703
)

type controlOp int

const (
	ctrlNone controlOp = iota
	ctrlCID
	ctrlRID
	ctrlAMD
	ctrlAMR
)

// controlFrame is the decoded form of a CAN control frame.
type controlFrame struct {
	op        controlOp
	cidSeq    int // 1..4, only meaningful when op == ctrlCID
	fragment  uint16
	srcAlias  nodeid.Alias
	fullNodeID nodeid.NodeID // only populated when carried in Data (AMD/AMR)
}

func isControlFrame(field uint16) bool {
	return field&controlFrameFlag != 0
}

func decodeControlFrame(f canframe.Frame) controlFrame {
	field := f.MTIField()
	cf := controlFrame{srcAlias: nodeid.Alias(f.SourceAlias())}
	op := field &^ controlFrameFlag
	switch {
	case op == ctrlOpRID:
		cf.op = ctrlRID
	case op == ctrlOpAMD:
		cf.op = ctrlAMD
	case op == ctrlOpAMR:
		cf.op = ctrlAMR
	case op>>12 >= 1 && op>>12 <= 4:
		cf.op = ctrlCID
		cf.cidSeq = int(op >> 12)
		cf.fragment = op & 0x0FFF
	default:
		cf.op = ctrlNone
	}
	if (cf.op == ctrlAMD || cf.op == ctrlAMR) && len(f.Data) == 6 {
		n, err := nodeid.FromBytes(f.Data)
		if err == nil {
			cf.fullNodeID = n
		}
	}
	return cf
}

// cidFrame builds one of the four CID frames. fragment is the 12-bit
// slice of the 48-bit candidate NodeID assigned to this sequence
// number (1-4): CID1 carries the most-significant fragment.
func cidFrame(seq int, fragment uint16, candidate nodeid.Alias) canframe.Frame {
	field := controlFrameFlag | uint16(seq)<<12 | (fragment & 0x0FFF)
	header := canframe.WithMTIField(field, uint16(candidate))
	f, _ := canframe.New(header, nil)
	return f
}

func ridFrame(candidate nodeid.Alias) canframe.Frame {
	header := canframe.WithMTIField(controlFrameFlag|ctrlOpRID, uint16(candidate))
	f, _ := canframe.New(header, nil)
	return f
}

func amdFrame(alias nodeid.Alias, node nodeid.NodeID) canframe.Frame {
	header := canframe.WithMTIField(controlFrameFlag|ctrlOpAMD, uint16(alias))
	b := node.Bytes()
	f, _ := canframe.New(header, b[:])
	return f
}

func amrFrame(alias nodeid.Alias, node nodeid.NodeID) canframe.Frame {
	header := canframe.WithMTIField(controlFrameFlag|ctrlOpAMR, uint16(alias))
	b := node.Bytes()
	f, _ := canframe.New(header, b[:])
	return f
}

// cidFragments splits a 48-bit NodeID into the four 12-bit fragments
// carried by CID1..CID4, most-significant first.
func cidFragments(node nodeid.NodeID) [4]uint16 {
	v := node.Uint64()
	var out [4]uint16
	for i := 0; i < 4; i++ {
		shift := uint(12 * (3 - i))
		out[i] = uint16((v >> shift) & 0x0FFF)
	}
	return out
}
