package canlink

import (
	"time"

	"github.com/openlcb-go/lccnode/canframe"
)

func (l *Link) startArbitration(now time.Time) {
	l.arbActive = true
	l.arbAttempt = 0
	l.beginArbitrationAttempt(now)
}

func (l *Link) beginArbitrationAttempt(now time.Time) {
	l.arbCandidate = candidateAlias(l.local, l.arbAttempt)
	l.arbStep = 0
	l.sendNextCID(now)
}

func (l *Link) sendNextCID(now time.Time) {
	fragments := cidFragments(l.local)
	seq := l.arbStep + 1
	l.sender.SendFrame(cidFrame(seq, fragments[seq-1], l.arbCandidate))
	l.arbStep = seq
	l.arbDeadline = now.Add(l.cidSpacing)
}

// tickArbitration advances the CID1..CID4 -> RID -> AMD sequence once
// each step's 200ms spacing has elapsed without a collision.
func (l *Link) tickArbitration(now time.Time) {
	if !l.arbActive || now.Before(l.arbDeadline) {
		return
	}
	switch {
	case l.arbStep < 4:
		l.sendNextCID(now)
	case l.arbStep == 4:
		l.sender.SendFrame(ridFrame(l.arbCandidate))
		l.arbStep = 5
		l.arbDeadline = now.Add(l.cidSpacing)
	case l.arbStep == 5:
		l.finalizeArbitration(now)
	}
}

func (l *Link) finalizeArbitration(now time.Time) {
	l.localAlias = l.arbCandidate
	_ = l.table.Insert(l.localAlias, l.local)
	l.sender.SendFrame(amdFrame(l.localAlias, l.local))
	l.arbActive = false
	l.state = StatePermitted
}

func (l *Link) restartArbitration(now time.Time) {
	l.arbAttempt++
	if l.arbAttempt >= l.maxArbRetries {
		l.arbActive = false
		l.reportError(ErrAliasExhausted)
		return
	}
	l.beginArbitrationAttempt(now)
}

// handleControlFrame processes an incoming CID/RID/AMD/AMR frame: it
// detects alias collisions (against our in-progress candidate or our
// already-Permitted alias) and maintains the alias table from AMD/AMR.
func (l *Link) handleControlFrame(f canframe.Frame, now time.Time) {
	cf := decodeControlFrame(f)
	if cf.op == ctrlNone {
		l.logger.Debug("canlink: unrecognized control frame, dropping")
		return
	}

	if (cf.op == ctrlRID || cf.op == ctrlAMD) && l.arbActive && cf.srcAlias == l.arbCandidate {
		l.logger.Debug("canlink: alias collision during arbitration, restarting", "alias", cf.srcAlias)
		l.restartArbitration(now)
		return
	}
	if (cf.op == ctrlRID || cf.op == ctrlAMD) && l.state == StatePermitted && cf.srcAlias == l.localAlias {
		l.logger.Warn("canlink: alias collision on established alias, re-arbitrating", "alias", cf.srcAlias)
		l.table.Remove(l.localAlias)
		l.localAlias = 0
		l.state = StateInhibited
		l.startArbitration(now)
		return
	}

	switch cf.op {
	case ctrlAMD:
		if cf.fullNodeID.IsZero() {
			l.logger.Warn("canlink: AMD frame missing NodeID payload, dropping")
			return
		}
		if err := l.table.Insert(cf.srcAlias, cf.fullNodeID); err != nil {
			l.reportError(err)
			return
		}
		l.onAliasLearned(cf.srcAlias, now)
	case ctrlAMR:
		l.table.Remove(cf.srcAlias)
	}
}
