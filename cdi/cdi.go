// Package cdi is a composition example (spec.md §4.4, out of core
// scope per §1 except as an illustration): it downloads a node's
// Configuration Description Information by chaining memory-read
// requests against the CDI space until a short or NUL-containing
// chunk signals the end of the document, grounded on the original
// stack's downloadCDI/_memoryReadSuccess loop
// (openlcb/cdihandler.py).
package cdi

import (
	"bytes"

	"github.com/charmbracelet/log"

	"github.com/openlcb-go/lccnode/memconfig"
	"github.com/openlcb-go/lccnode/nodeid"
	"github.com/openlcb-go/lccnode/xlog"
)

// chunkSize is the per-read size used while streaming (spec.md §4.4).
const chunkSize = 64

// Result is delivered to Download's callback once the transfer
// finishes, successfully or not.
type Result struct {
	Data []byte
	Err  error
}

// Download reads a remote node's CDI space (0xFF) in 64-byte chunks
// starting at address 0, re-submitting a new read after each success
// until a chunk shorter than 64 bytes or containing a NUL byte is
// returned — the same termination rule as the original implementation.
// done is invoked exactly once with the accumulated bytes up to (but
// excluding) the terminator.
func Download(mem *memconfig.Service, peer nodeid.NodeID, logger *log.Logger, done func(Result)) {
	logger = xlog.OrDefault(logger)
	var buf bytes.Buffer
	var step func(address uint32)

	step = func(address uint32) {
		mem.RequestRead(&memconfig.ReadMemo{
			Peer:    peer,
			Size:    chunkSize,
			Space:   memconfig.SpaceCDI,
			Address: address,
			OnOk: func(data []byte) {
				nul := bytes.IndexByte(data, 0)
				terminated := len(data) < chunkSize || nul >= 0
				if nul >= 0 {
					buf.Write(data[:nul])
				} else {
					buf.Write(data)
				}
				if terminated {
					out := make([]byte, buf.Len())
					copy(out, buf.Bytes())
					done(Result{Data: out})
					return
				}
				step(address + chunkSize)
			},
			OnFail: func(code uint16) {
				logger.Warn("cdi: memory read failed", "peer", peer, "address", address, "code", code)
				done(Result{Err: &memconfig.MemoryFault{Code: code}})
			},
		})
	}

	step(0)
}
