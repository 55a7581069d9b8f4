// Package snip implements the Simple Node Information Protocol
// accumulator (spec.md §4.5): a fixed 253-byte buffer holding six
// NUL-terminated UTF-8 strings (manufacturer, model, hardware version,
// software version, user name, user description) plus two version
// bytes, built incrementally from datagram-sized chunks as they arrive
// off the wire.
package snip

import (
	"github.com/charmbracelet/log"

	"github.com/openlcb-go/lccnode/xlog"
)

// BufferLen is the fixed size of a SNIP data buffer (spec.md §3/§6).
const BufferLen = 253

// maxRunes holds the write-side truncation limit, in Unicode code
// points, for each of the six strings, in order: mfg, model, hwVersion,
// swVersion, userName, userDescription.
var maxRunes = [6]int{40, 40, 20, 20, 62, 63}

// maxReadBytes holds the read-side scan limit, in bytes, for each
// string (spec.md §6: 41/41/21/21/63/64, one byte longer than the
// write-side rune limits to leave room for the terminator when every
// character is single-byte).
var maxReadBytes = [6]int{41, 41, 21, 21, 63, 64}

// SNIP holds the six node-identity strings and the 253-byte wire
// buffer they're serialised into. A SNIP is write-once: a reset
// connection should install a fresh SNIP rather than mutate an
// existing one.
type SNIP struct {
	ManufacturerName        string
	ModelName               string
	HardwareVersion         string
	SoftwareVersion         string
	UserProvidedNodeName    string
	UserProvidedDescription string

	data   [BufferLen]byte
	index  int
	logger *log.Logger
}

// New constructs a SNIP from the six identity strings, immediately
// serialising them into the wire buffer. logger may be nil.
func New(mfgName, model, hVersion, sVersion, uName, uDesc string, logger *log.Logger) *SNIP {
	s := &SNIP{
		ManufacturerName:        mfgName,
		ModelName:               model,
		HardwareVersion:         hVersion,
		SoftwareVersion:         sVersion,
		UserProvidedNodeName:    uName,
		UserProvidedDescription: uDesc,
		logger:                  xlog.OrDefault(logger),
	}
	s.updateSnipDataFromStrings()
	return s
}

// NewEmpty constructs a zero-valued SNIP ready to accumulate incoming
// bytes via AddData (the receive side: a peer's SNIP reply is
// assembled from one or more datagram chunks).
func NewEmpty(logger *log.Logger) *SNIP {
	return &SNIP{logger: xlog.OrDefault(logger)}
}

// Data returns the raw 253-byte wire buffer.
func (s *SNIP) Data() []byte {
	out := make([]byte, BufferLen)
	copy(out, s.data[:])
	return out
}

// AddData appends bytes received off the wire at the current write
// cursor and re-derives the six strings. Bytes that would land past
// index 252 are dropped and logged (spec.md §4.5).
func (s *SNIP) AddData(in []byte) {
	for i := 0; i < len(in); i++ {
		if i+s.index >= BufferLen {
			s.logger.Warn("snip: overlapping requests, truncating")
			break
		}
		s.data[i+s.index] = in[i]
	}
	s.index += len(in)
	s.updateStringsFromSnipData()
}

// GetStringN returns the n-th (0-indexed) string, scanning up to its
// read-side byte limit or the terminating NUL, whichever comes first.
func (s *SNIP) GetStringN(n int) string {
	if n < 0 || n > 5 {
		s.logger.Error("snip: unexpected string request", "n", n)
		return ""
	}
	start := s.findString(n)
	return s.getString(start, maxReadBytes[n])
}

// findString locates the start index of the n-th string (0-indexed),
// accounting for the second version byte sitting between string 3
// (software version) and string 4 (user name). Returns 0 if the
// buffer doesn't contain n strings.
func (s *SNIP) findString(n int) int {
	if n == 0 {
		return 1
	}
	retval := 1
	stringCount := 0
	for i := 1; i < 252; i++ {
		if s.data[i] == 0 {
			if stringCount == n {
				return retval
			}
			retval = i + 1
			stringCount++
			if stringCount == 4 {
				retval++
			}
		}
	}
	return 0
}

// getString decodes the string starting at first, stopping at the
// first NUL byte found at or after first, or after maxLength bytes,
// whichever comes first.
func (s *SNIP) getString(first, maxLength int) string {
	if first < 0 || first >= BufferLen {
		return ""
	}
	terminate := first + maxLength
	if terminate > BufferLen {
		terminate = BufferLen
	}
	nullAt := -1
	for i := first; i < BufferLen; i++ {
		if s.data[i] == 0 {
			nullAt = i
			break
		}
	}
	if nullAt > -1 && nullAt < terminate {
		terminate = nullAt
	}
	return string(s.data[first:terminate])
}

// updateStringsFromSnipData loads the six Go strings from the current
// accumulated buffer contents; called after every AddData.
func (s *SNIP) updateStringsFromSnipData() {
	s.ManufacturerName = s.GetStringN(0)
	s.ModelName = s.GetStringN(1)
	s.HardwareVersion = s.GetStringN(2)
	s.SoftwareVersion = s.GetStringN(3)
	s.UserProvidedNodeName = s.GetStringN(4)
	s.UserProvidedDescription = s.GetStringN(5)
}

// updateSnipDataFromStrings serialises the six Go strings into the
// wire buffer, truncating each to its rune-count limit before UTF-8
// encoding (spec.md §4.5).
func (s *SNIP) updateSnipDataFromStrings() {
	s.data = [BufferLen]byte{}
	s.index = 1
	s.data[0] = 4 // first version byte

	s.writeString(s.ManufacturerName, maxRunes[0])
	s.writeString(s.ModelName, maxRunes[1])
	s.writeString(s.HardwareVersion, maxRunes[2])
	s.writeString(s.SoftwareVersion, maxRunes[3])

	s.writeByte(2) // second version byte

	s.writeString(s.UserProvidedNodeName, maxRunes[4])
	s.writeString(s.UserProvidedDescription, maxRunes[5])
}

func (s *SNIP) writeByte(b byte) {
	if s.index >= BufferLen {
		s.logger.Warn("snip: buffer overflow, dropping byte")
		return
	}
	s.data[s.index] = b
	s.index++
}

// writeString truncates str to maxRune Unicode code points, encodes it
// as UTF-8, writes it starting at the current cursor, then a
// terminating NUL. Bytes past index 252 are dropped and logged.
func (s *SNIP) writeString(str string, maxRune int) {
	runes := []rune(str)
	if len(runes) > maxRune {
		runes = runes[:maxRune]
	}
	encoded := []byte(string(runes))
	for _, b := range encoded {
		if s.index >= BufferLen {
			s.logger.Warn("snip: buffer overflow, truncating string")
			break
		}
		s.data[s.index] = b
		s.index++
	}
	s.writeByte(0)
}

// ReturnStrings copies out the buffer up to and including the 6th
// string's terminating NUL. Returns an empty slice if the buffer does
// not contain all six strings.
func (s *SNIP) ReturnStrings() []byte {
	stop := s.findString(6)
	if stop == 0 {
		return []byte{}
	}
	out := make([]byte, stop)
	copy(out, s.data[:stop-1])
	return out
}
