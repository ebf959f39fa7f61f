// Package rreq implements RreqCore: the per-connection Ranging Requestor
// state machine. It writes RAS-CP commands, reassembles segmented ranging
// data, and dispatches the matching ACK_RD once the responder's COMPLETE_RD
// arrives (spec.md §4.5).
//
// The goroutine-plus-work-channel shape mirrors internal/rrsp exactly,
// which in turn is grounded on the teacher's internal/queue/runner.go
// completion pump — one owner goroutine per connection, every other
// goroutine only ever posts events at it.
package rreq

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/logging"
	"github.com/sem1-nordic/go-ras/internal/wire"
)

// Observer receives GetRangingData outcome/latency events for metrics
// collection. Defined locally so this package never depends on the root
// package; ras.MetricsObserver satisfies this interface structurally.
type Observer interface {
	ObserveGetRangingData(latencyNs uint64, success bool)
}

type noopObserver struct{}

func (noopObserver) ObserveGetRangingData(uint64, bool) {}

// State is RreqCore's per-context FSM state.
type State int

const (
	Idle State = iota
	GetRdWritten
	AckRdWritten
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case GetRdWritten:
		return "GetRdWritten"
	case AckRdWritten:
		return "AckRdWritten"
	default:
		return "Unknown"
	}
}

// Result is delivered to a pending GetRangingData call.
type Result struct {
	Data []byte
	Err  error
}

type workKind int

const (
	workStartGet workKind = iota
	workControlIndicate
	workSegment
	workOverwritten
)

type workItem struct {
	kind workKind

	counter bufpool.RangingCounter
	respCh  chan Result
	data    []byte
}

// Context is one connection's RreqCore instance.
type Context struct {
	conn     gatt.ConnHandle
	link     gatt.ClientLink
	logger   *logging.Logger
	observer Observer

	workCh chan workItem
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Touched only on the work goroutine.
	state          State
	pendingCounter bufpool.RangingCounter
	respCh         chan Result
	reasm          reassembler
	startedAt      time.Time
}

// NewContext creates a requestor context for conn. observer may be nil.
func NewContext(conn gatt.ConnHandle, link gatt.ClientLink, observer Observer, logger *logging.Logger) *Context {
	if logger == nil {
		logger = logging.Default()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &Context{
		conn:     conn,
		link:     link,
		logger:   logger,
		observer: observer,
		workCh:   make(chan workItem, 8),
		stopCh:   make(chan struct{}),
		state:    Idle,
	}
}

// Start launches the work-item pump goroutine.
func (c *Context) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop signals the pump to exit.
func (c *Context) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Close stops the pump and waits for it to exit.
func (c *Context) Close() {
	c.Stop()
	c.wg.Wait()
}

// State returns the current FSM state; see rrsp.Context.State for the same
// staleness caveat.
func (c *Context) State() State {
	return c.state
}

func (c *Context) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case item := <-c.workCh:
			c.handle(item)
		}
	}
}

func (c *Context) post(item workItem) {
	select {
	case c.workCh <- item:
	case <-c.stopCh:
	default:
		c.logger.Warn("rreq: work queue full, dropping event", "conn", c.conn, "kind", item.kind)
	}
}

// GetRangingData requests the ranging-data record identified by counter
// from the peer and blocks until it is fully reassembled, the responder
// rejects the request, the record is overwritten mid-retrieval, or ctx is
// done. Only one call may be in flight per connection at a time.
func (c *Context) GetRangingData(ctx context.Context, counter bufpool.RangingCounter) ([]byte, error) {
	respCh := make(chan Result, 1)
	select {
	case c.workCh <- workItem{kind: workStartGet, counter: counter, respCh: respCh}:
	case <-c.stopCh:
		return nil, ErrConnectionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-respCh:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, ErrConnectionGone
	}
}

// HandleIndicate delivers an indication received from the peer. confirm
// acknowledges receipt at the ATT layer; this core has nothing further to
// synchronize on, so it confirms immediately.
func (c *Context) HandleIndicate(handle gatt.CharHandle, data []byte, confirm func(error)) {
	c.dispatchIncoming(handle, data)
	if confirm != nil {
		confirm(nil)
	}
}

// HandleNotify delivers a notification received from the peer.
func (c *Context) HandleNotify(handle gatt.CharHandle, data []byte) {
	c.dispatchIncoming(handle, data)
}

func (c *Context) dispatchIncoming(handle gatt.CharHandle, data []byte) {
	cp := append([]byte(nil), data...)
	switch handle {
	case gatt.CharControlPoint:
		c.post(workItem{kind: workControlIndicate, data: cp})
	case gatt.CharOnDemandRD, gatt.CharRealTimeRD:
		c.post(workItem{kind: workSegment, data: cp})
	case gatt.CharRDOverwritten:
		if len(cp) >= 2 {
			counter := bufpool.RangingCounter(binary.LittleEndian.Uint16(cp))
			c.post(workItem{kind: workOverwritten, counter: counter})
		}
	case gatt.CharRDReady:
		// Informational only: callers decide when to call GetRangingData.
	}
}

func (c *Context) handle(item workItem) {
	switch item.kind {
	case workStartGet:
		c.handleStartGet(item.counter, item.respCh)
	case workControlIndicate:
		c.handleControlIndicate(item.data)
	case workSegment:
		c.handleSegment(item.data)
	case workOverwritten:
		c.handleOverwritten(item.counter)
	}
}

func (c *Context) handleStartGet(counter bufpool.RangingCounter, respCh chan Result) {
	if c.state != Idle {
		respCh <- Result{Err: ErrBusy}
		return
	}
	c.pendingCounter = counter.Mask()
	c.respCh = respCh
	c.reasm.reset()
	c.startedAt = time.Now()

	cmd := wire.MarshalCommand(wire.Command{Opcode: wire.OpcodeGetRangingData, RangingCounter: uint16(c.pendingCounter)})
	if err := c.link.WriteControlPoint(c.conn, cmd); err != nil {
		respCh <- Result{Err: err}
		c.respCh = nil
		return
	}
	c.state = GetRdWritten
}

func (c *Context) handleControlIndicate(data []byte) {
	resp, err := wire.UnmarshalResponse(data)
	if err != nil {
		c.failActive(ErrReassemblyFailed)
		return
	}
	switch resp.Opcode {
	case wire.RspOpcodeResponseCode:
		c.onResponseCode(resp.Code)
	case wire.RspOpcodeCompleteRD:
		c.onCompleteRD(resp.RangingCounter)
	}
}

func (c *Context) onResponseCode(code wire.RspCode) {
	switch c.state {
	case GetRdWritten:
		if code != wire.RspCodeSuccess {
			c.failActive(mapRspCode(code))
		}
		// SUCCESS just acknowledges the request; segments and COMPLETE_RD
		// are still to come.
	case AckRdWritten:
		if code != wire.RspCodeSuccess {
			c.logger.Warn("rreq: ACK_RD not acknowledged", "conn", c.conn, "code", code)
		}
		c.state = Idle
		c.finishReceive()
	}
}

// handleSegment feeds one incoming data segment to the reassembler. A
// gap or violation only marks the reassembler's sticky error flag (spec.md
// §4.5: "if error_flag, ignore (drain)") — it must not end the exchange
// early; the caller only learns of the failure once the RAS-CP handshake
// that follows COMPLETE_RD closes out, in finishReceive.
func (c *Context) handleSegment(data []byte) {
	if c.state != GetRdWritten {
		return
	}
	c.reasm.append(data)
}

func (c *Context) onCompleteRD(counter uint16) {
	if c.state != GetRdWritten {
		return
	}
	if bufpool.RangingCounter(counter) != c.pendingCounter {
		c.failActive(ErrReassemblyFailed)
		return
	}
	ack := wire.MarshalCommand(wire.Command{Opcode: wire.OpcodeAckRangingData, RangingCounter: counter})
	if err := c.link.WriteControlPoint(c.conn, ack); err != nil {
		c.logger.Warn("rreq: failed to write ACK_RD", "conn", c.conn, "err", err)
		c.failActive(ErrReassemblyFailed)
		return
	}
	c.state = AckRdWritten
}

func (c *Context) handleOverwritten(counter bufpool.RangingCounter) {
	if c.state == GetRdWritten && counter.Mask() == c.pendingCounter {
		c.failActive(ErrOverwritten)
	}
}

// finishReceive delivers the single completion result once the ACK_RD
// round trip has closed out (spec.md §4.5's RSP_CODE-in-AckRdWritten
// handling): err=nil only if the reassembly ran to its last segment with
// no gap or violation ever flagged, else ErrReassemblyFailed.
func (c *Context) finishReceive() {
	if c.respCh == nil {
		return
	}
	var res Result
	if c.reasm.ok() {
		res.Data = append([]byte(nil), c.reasm.data...)
	} else {
		res.Err = ErrReassemblyFailed
	}
	c.respCh <- res
	c.respCh = nil
	c.observer.ObserveGetRangingData(uint64(time.Since(c.startedAt)), res.Err == nil)
}

func (c *Context) failActive(err error) {
	if c.respCh != nil {
		c.respCh <- Result{Err: err}
		c.respCh = nil
		c.observer.ObserveGetRangingData(uint64(time.Since(c.startedAt)), false)
	}
	c.state = Idle
}
