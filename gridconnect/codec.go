// Package gridconnect implements the GridConnect ASCII encoding used
// to tunnel CAN frames over a byte-stream transport (spec.md §4.1,
// §6). It is a straight ASCII<->binary codec: no protocol semantics
// live here, only framing.
package gridconnect

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/openlcb-go/lccnode/canframe"
	"github.com/openlcb-go/lccnode/xlog"
)

const (
	maxFrameChars = 1 + 1 + 8 + 1 + 2*canframe.MaxDataLen + 1 // ":X" + header + "N" + data + ";"
	bufferBound   = maxFrameChars * 4
)

// Send encodes a single frame to its ASCII GridConnect representation,
// including the trailing newline.
func Send(f canframe.Frame) []byte {
	kind := byte('X')
	headerDigits := 8
	if !f.Extended {
		kind = 'S'
	}
	var sb strings.Builder
	sb.WriteByte(':')
	sb.WriteByte(kind)
	fmt.Fprintf(&sb, "%0*X", headerDigits, f.Header)
	sb.WriteByte('N')
	sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Data)))
	sb.WriteByte(';')
	sb.WriteByte('\n')
	return []byte(sb.String())
}

// FrameListener receives frames decoded from the wire.
type FrameListener func(canframe.Frame)

// ErrorListener receives non-fatal decode errors (a malformed frame was
// skipped, or FramingLost occurred and the buffer was discarded).
type ErrorListener func(error)

// Decoder is a streaming GridConnect parser. It is not safe for
// concurrent use; the stack runs single-threaded per spec.md §5.
type Decoder struct {
	buf           []byte
	frameListener FrameListener
	errorListener ErrorListener
	logger        *log.Logger
}

// NewDecoder constructs a Decoder. logger may be nil.
func NewDecoder(logger *log.Logger) *Decoder {
	return &Decoder{logger: xlog.OrDefault(logger)}
}

// RegisterFrameListener sets the callback invoked for each decoded frame.
func (d *Decoder) RegisterFrameListener(l FrameListener) {
	d.frameListener = l
}

// RegisterErrorListener sets the callback invoked for skipped/discarded input.
func (d *Decoder) RegisterErrorListener(l ErrorListener) {
	d.errorListener = l
}

// ReceiveBytes appends chunk to the internal buffer and emits zero or
// more frames. A partial trailing frame remains buffered for the next
// call. If the buffer grows beyond bound without a terminator being
// found, the whole buffer is discarded and ErrFramingLost is reported.
func (d *Decoder) ReceiveBytes(chunk []byte) {
	d.buf = append(d.buf, chunk...)

	for {
		start := indexByte(d.buf, ':')
		if start < 0 {
			// no frame start in buffer at all; keep at most bufferBound
			// trailing bytes in case a ':' is split across calls.
			if len(d.buf) > bufferBound {
				d.buf = nil
				d.reportError(ErrFramingLost)
			}
			return
		}
		if start > 0 {
			// drop leading noise before the frame start
			d.buf = d.buf[start:]
		}

		end := indexByte(d.buf, ';')
		if end < 0 {
			if len(d.buf) > bufferBound {
				d.logger.Warn("gridconnect: buffer overflow awaiting terminator, discarding", "len", len(d.buf))
				d.buf = nil
				d.reportError(ErrFramingLost)
			}
			return
		}

		raw := d.buf[:end+1]
		d.buf = d.buf[end+1:]
		// trailing CR/LF/whitespace after ';' is just a separator, already excluded.
		d.buf = trimLeadingWhitespace(d.buf)

		f, err := decodeOne(raw)
		if err != nil {
			d.logger.Warn("gridconnect: malformed frame", "raw", string(raw), "err", err)
			d.reportError(err)
			continue
		}
		if d.frameListener != nil {
			d.frameListener(f)
		}
	}
}

func (d *Decoder) reportError(err error) {
	if d.errorListener != nil {
		d.errorListener(err)
	}
}

// decodeOne parses exactly one ":...;" span.
func decodeOne(raw []byte) (canframe.Frame, error) {
	s := strings.TrimSpace(string(raw))
	if len(s) < 2 || s[0] != ':' || s[len(s)-1] != ';' {
		return canframe.Frame{}, fmt.Errorf("%w: %q", ErrMalformedFrame, raw)
	}
	body := s[1 : len(s)-1]
	if len(body) < 1 {
		return canframe.Frame{}, fmt.Errorf("%w: empty body", ErrMalformedFrame)
	}

	extended := true
	switch body[0] {
	case 'X', 'x':
		extended = true
	case 'S', 's':
		extended = false
	default:
		return canframe.Frame{}, fmt.Errorf("%w: %q: expected X or S", ErrMalformedFrame, body)
	}
	body = body[1:]

	nIdx := strings.IndexByte(body, 'N')
	if nIdx < 0 {
		nIdx = strings.IndexByte(body, 'n')
	}
	if nIdx < 0 {
		return canframe.Frame{}, fmt.Errorf("%w: missing N separator", ErrMalformedFrame)
	}
	headerHex := strings.TrimSpace(body[:nIdx])
	dataHex := strings.TrimSpace(body[nIdx+1:])

	header, err := hex.DecodeString(padEven(headerHex))
	if err != nil {
		return canframe.Frame{}, fmt.Errorf("%w: header %q: %v", ErrMalformedFrame, headerHex, err)
	}
	var headerVal uint32
	for _, b := range header {
		headerVal = headerVal<<8 | uint32(b)
	}

	if len(dataHex)%2 != 0 {
		return canframe.Frame{}, fmt.Errorf("%w: odd-length data hex %q", ErrMalformedFrame, dataHex)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return canframe.Frame{}, fmt.Errorf("%w: data %q: %v", ErrMalformedFrame, dataHex, err)
	}
	if len(data) > canframe.MaxDataLen {
		return canframe.Frame{}, fmt.Errorf("%w: %d data bytes exceeds max", ErrMalformedFrame, len(data))
	}

	var frame canframe.Frame
	if extended {
		frame, err = canframe.New(headerVal, data)
	} else {
		frame, err = canframe.NewStandard(headerVal, data)
	}
	if err != nil {
		return canframe.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}

func padEven(hexStr string) string {
	if len(hexStr)%2 != 0 {
		return "0" + hexStr
	}
	return hexStr
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimLeadingWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}
