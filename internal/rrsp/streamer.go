package rrsp

import (
	"time"

	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/wire"
)

// maxSegmentPayload computes the largest ranging-data slice that fits in one
// ATT_MTU-sized notification/indication alongside 4 bytes of ATT overhead and
// the 1-byte segment header (spec.md §4.4).
func maxSegmentPayload(mtu uint16) int {
	n := int(mtu) - 4 - 1
	if n < 1 {
		n = 1
	}
	return n
}

// runStreamer pulls and sends segments for the active buffer until a send
// fails (leaving the remainder scheduled for retry), a transport requires
// an async confirmation (indication path, which resumes the loop from
// onIndicateConfirmed), or the last segment is sent successfully.
func (c *Context) runStreamer() {
	if c.activeBuf == nil || c.state != Streaming {
		return
	}
	maxData := maxSegmentPayload(c.link.MTU(c.conn))

	for {
		wasFirst := c.pool.Cursor(c.activeBuf) == 0
		out := make([]byte, maxData)
		n := c.pool.Pull(c.activeBuf, out)
		if n == 0 {
			// Nothing left to send; the prior segment should already have
			// carried Last. Defensive stop, not expected in practice.
			return
		}
		isLast := c.pool.Remaining(c.activeBuf) == 0
		retried := c.segRetried
		c.segRetried = false

		seg := wire.SegmentHeader{First: wasFirst, Last: isLast, SegmentCtr: c.segCounter & 0x3F}
		payload := make([]byte, 1+n)
		payload[0] = seg.Marshal()
		copy(payload[1:], out[:n])

		switch {
		case c.link.Subscribed(c.conn, gatt.CharOnDemandRD, gatt.SubscribeNotify):
			if err := c.link.Notify(c.conn, gatt.CharOnDemandRD, payload); err != nil {
				c.pool.Rewind(c.activeBuf, n)
				c.segRetried = true
				c.logger.Warn("rrsp: notify failed, scheduling retry", "conn", c.conn, "err", err)
				c.post(workItem{kind: workStreamerRetry})
				return
			}
			c.cfg.Observer.ObserveSegment(n, retried)
			c.segCounter = (c.segCounter + 1) & 0x3F
			if isLast {
				c.completeStreaming()
				return
			}
			// Notify is treated as complete on successful enqueue; continue
			// the loop directly rather than round-tripping through the work
			// queue for the next segment.
		case c.link.Subscribed(c.conn, gatt.CharOnDemandRD, gatt.SubscribeIndicate):
			nBytes, last := n, isLast
			c.indicateToken++
			token := c.indicateToken
			err := c.link.Indicate(c.conn, gatt.CharOnDemandRD, payload, func(confirmErr error) {
				c.post(workItem{kind: workIndicateConfirmed, confirmErr: confirmErr, confirmLast: last, confirmN: nBytes, confirmToken: token})
			})
			if err != nil {
				c.pool.Rewind(c.activeBuf, n)
				c.segRetried = true
				c.logger.Warn("rrsp: indicate failed, scheduling retry", "conn", c.conn, "err", err)
				c.post(workItem{kind: workStreamerRetry})
				return
			}
			c.cfg.Observer.ObserveSegment(n, retried)
			c.startIndicateTimer(token, nBytes, last)
			// Stop here: the next step happens from the confirm callback
			// or, if the peer goes quiet, from the indication timeout.
			return
		default:
			// No subscriber at all on the data characteristic; nothing this
			// core can do but leave the segment unconsumed.
			c.pool.Rewind(c.activeBuf, n)
			c.logger.Warn("rrsp: no subscriber for on-demand ranging data", "conn", c.conn)
			return
		}
	}
}

func (c *Context) onIndicateConfirmed(err error, wasLast bool, nBytes int, token uint64) {
	if token != c.indicateToken {
		// Stale confirm for a segment the indication timeout already
		// rewound and retried.
		return
	}
	c.stopIndicateTimerLocked()
	if c.activeBuf == nil || c.state != Streaming {
		return
	}
	if err != nil {
		c.pool.Rewind(c.activeBuf, nBytes)
		c.logger.Warn("rrsp: indicate not confirmed, retrying", "conn", c.conn, "err", err)
		c.runStreamer()
		return
	}
	c.segCounter = (c.segCounter + 1) & 0x3F
	if wasLast {
		c.completeStreaming()
		return
	}
	c.runStreamer()
}

// onIndicateTimeout fires when a segment indication has gone unconfirmed
// for cfg.IndicationTimeout. token guards against a confirm that arrives
// concurrently with (or just after) the timer: only the most recent
// in-flight indication's timeout can act.
func (c *Context) onIndicateTimeout(token uint64, wasLast bool, nBytes int) {
	if token != c.indicateToken || c.activeBuf == nil || c.state != Streaming {
		return
	}
	c.indicateTimer = nil
	c.pool.Rewind(c.activeBuf, nBytes)
	c.logger.Warn("rrsp: indication confirm timed out, retrying", "conn", c.conn)
	c.runStreamer()
}

func (c *Context) startIndicateTimer(token uint64, nBytes int, wasLast bool) {
	c.stopIndicateTimerLocked()
	c.indicateTimer = time.AfterFunc(c.cfg.IndicationTimeout, func() {
		c.post(workItem{kind: workIndicateTimeout, confirmToken: token, confirmLast: wasLast, confirmN: nBytes})
	})
}

func (c *Context) stopIndicateTimerLocked() {
	if c.indicateTimer != nil {
		c.indicateTimer.Stop()
		c.indicateTimer = nil
	}
}

func (c *Context) completeStreaming() {
	counter := c.activeBuf.Counter()
	c.sendResponse(wire.CompleteRD(uint16(counter)))
	c.state = AwaitingAck
	c.startAckTimer()
}
