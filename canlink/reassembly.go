package canlink

import (
	"time"

	"github.com/openlcb-go/lccnode/canframe"
	"github.com/openlcb-go/lccnode/nodeid"
)

// handleMessageFrame processes a non-control frame once the link is
// Permitted: global frames map straight to a Message; addressed frames
// are reassembled per spec.md §4.2.
func (l *Link) handleMessageFrame(f canframe.Frame, now time.Time) {
	mti := MTI(f.MTIField())
	srcAlias := nodeid.Alias(f.SourceAlias())

	srcNode, known := l.table.NodeFor(srcAlias)
	if !known {
		l.queuePending(srcAlias, f, now)
		return
	}

	if !mti.IsAddressed() {
		l.deliverMessage(NewGlobal(mti, srcNode, cloneBytes(f.Data)))
		return
	}

	if len(f.Data) < 2 {
		l.logger.Warn("canlink: addressed frame shorter than the 2-byte prefix, dropping")
		return
	}
	prefix := uint16(f.Data[0])<<8 | uint16(f.Data[1])
	continuation := (prefix >> 14) & 0x3
	destAlias := nodeid.Alias(prefix & 0x0FFF)
	if destAlias != l.localAlias {
		return // not addressed to this node
	}
	payload := f.Data[2:]
	key := reassemblyKey{srcAlias: srcAlias, destAlias: destAlias, mti: mti}

	switch continuation {
	case contOnly:
		delete(l.reassembly, key)
		l.deliverMessage(NewAddressed(mti, srcNode, l.local, cloneBytes(payload)))
	case contFirst:
		l.reassembly[key] = &reassemblyBuf{data: cloneBytes(payload), started: now}
	case contMiddle:
		buf, ok := l.reassembly[key]
		if !ok {
			l.logger.Warn("canlink: unexpected middle continuation with no partial, dropping")
			return
		}
		buf.data = append(buf.data, payload...)
	case contLast:
		buf, ok := l.reassembly[key]
		if !ok {
			l.logger.Warn("canlink: unexpected last continuation with no partial, dropping")
			return
		}
		data := append(buf.data, payload...)
		delete(l.reassembly, key)
		l.deliverMessage(NewAddressed(mti, srcNode, l.local, data))
	}
}

func (l *Link) queuePending(alias nodeid.Alias, f canframe.Frame, now time.Time) {
	l.pending[alias] = append(l.pending[alias], pendingFrame{frame: f, received: now})
}

// onAliasLearned replays any frames that were queued awaiting this
// alias's AMD.
func (l *Link) onAliasLearned(alias nodeid.Alias, now time.Time) {
	queued, ok := l.pending[alias]
	if !ok {
		return
	}
	delete(l.pending, alias)
	for _, p := range queued {
		l.handleMessageFrame(p.frame, now)
	}
}

// expirePending discards pending frames older than pendingWait
// (spec.md §4.2: "held... for up to a bounded time... on timeout it is
// discarded").
func (l *Link) expirePending(now time.Time) {
	for alias, frames := range l.pending {
		kept := frames[:0]
		for _, p := range frames {
			if now.Sub(p.received) < l.pendingWait {
				kept = append(kept, p)
			} else {
				l.logger.Debug("canlink: pending frame expired awaiting AMD", "alias", alias)
			}
		}
		if len(kept) == 0 {
			delete(l.pending, alias)
		} else {
			l.pending[alias] = kept
		}
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
