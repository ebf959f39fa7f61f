package rreq

import "github.com/sem1-nordic/go-ras/internal/wire"

// reassembler accumulates RAS-Data segments in order, validating the
// rolling 6-bit segment counter against gaps (spec.md §4.5). A detected
// gap or violation sets a sticky error flag rather than aborting the
// receive outright: per spec.md §4.5/§7, the exchange keeps draining
// segments and the caller only learns of the failure once the RAS-CP
// handshake (COMPLETE_RD, then the ACK_RD response) naturally completes.
type reassembler struct {
	data      []byte
	started   bool
	lastSeen  bool
	nextSeg   uint8
	errorFlag bool
}

func (r *reassembler) reset() {
	*r = reassembler{}
}

// append processes one incoming segment. It never reports failure
// directly; a gap or malformed frame only sets errorFlag, which ok()
// later reflects.
func (r *reassembler) append(frame []byte) {
	if r.lastSeen || r.errorFlag {
		return
	}
	if len(frame) < 2 {
		r.errorFlag = true
		return
	}
	seg := wire.UnmarshalSegmentHeader(frame[0])
	if !r.started {
		if !seg.First {
			r.errorFlag = true
			return
		}
		r.started = true
	} else if seg.SegmentCtr != r.nextSeg {
		r.errorFlag = true
		return
	}
	r.data = append(r.data, frame[1:]...)
	r.nextSeg = (seg.SegmentCtr + 1) & 0x3F
	if seg.Last {
		r.lastSeen = true
	}
}

// ok reports whether the reassembly completed cleanly: the last segment
// was seen and no gap/violation was ever flagged.
func (r *reassembler) ok() bool {
	return r.lastSeen && !r.errorFlag
}
