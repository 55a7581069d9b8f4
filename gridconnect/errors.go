package gridconnect

import "errors"

// ErrMalformedFrame is returned when ASCII input cannot be parsed as a
// well-formed GridConnect frame.
var ErrMalformedFrame = errors.New("gridconnect: malformed frame")

// ErrFramingLost is reported (never returned synchronously — see
// Decoder.RegisterErrorListener) when the internal buffer overflows before a
// terminator is seen and must be discarded.
var ErrFramingLost = errors.New("gridconnect: framing lost, buffer discarded")
