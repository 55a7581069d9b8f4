package canlink

import (
	"fmt"

	"github.com/openlcb-go/lccnode/canframe"
	"github.com/openlcb-go/lccnode/nodeid"
)

// Continuation field values for addressed-frame reassembly (spec.md
// §4.2). Packed into the top 2 bits of the 16-bit dest-alias+
// continuation prefix that occupies the first 2 data bytes of every
// addressed frame.
const (
	contOnly   uint16 = 0b00
	contFirst  uint16 = 0b01
	contMiddle uint16 = 0b10
	contLast   uint16 = 0b11

	addressedPayloadPerFrame = canframe.MaxDataLen - 2
)

// globalFrame builds the single CAN frame carrying a global message.
// Global messages are not fragmented; payloads over 8 bytes are rejected.
func globalFrame(msg Message, srcAlias nodeid.Alias) (canframe.Frame, error) {
	if len(msg.Data) > canframe.MaxDataLen {
		return canframe.Frame{}, fmt.Errorf("canlink: global message payload of %d bytes exceeds %d", len(msg.Data), canframe.MaxDataLen)
	}
	header := canframe.WithMTIField(uint16(msg.MTI), uint16(srcAlias))
	return canframe.New(header, msg.Data)
}

// addressedFrames fragments msg's payload across one or more CAN
// frames, each prefixed with the destination alias and a 2-bit
// continuation field (spec.md §4.2).
func addressedFrames(msg Message, srcAlias, destAlias nodeid.Alias) ([]canframe.Frame, error) {
	header := canframe.WithMTIField(uint16(msg.MTI), uint16(srcAlias))
	payload := msg.Data

	if len(payload) <= addressedPayloadPerFrame {
		f, err := buildAddressedFrame(header, destAlias, contOnly, payload)
		if err != nil {
			return nil, err
		}
		return []canframe.Frame{f}, nil
	}

	var frames []canframe.Frame
	for i := 0; i < len(payload); i += addressedPayloadPerFrame {
		end := i + addressedPayloadPerFrame
		if end > len(payload) {
			end = len(payload)
		}
		var cont uint16
		switch {
		case i == 0:
			cont = contFirst
		case end == len(payload):
			cont = contLast
		default:
			cont = contMiddle
		}
		f, err := buildAddressedFrame(header, destAlias, cont, payload[i:end])
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func buildAddressedFrame(header uint32, destAlias nodeid.Alias, continuation uint16, chunk []byte) (canframe.Frame, error) {
	prefix := (continuation&0x3)<<14 | (uint16(destAlias) & 0x0FFF)
	data := make([]byte, 2, 2+len(chunk))
	data[0] = byte(prefix >> 8)
	data[1] = byte(prefix)
	data = append(data, chunk...)
	return canframe.New(header, data)
}
