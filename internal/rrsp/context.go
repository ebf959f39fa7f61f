// Package rrsp implements RrspCore: the per-connection Ranging Responder
// state machine — RAS-CP command parsing, response emission, the segmented
// streamer, and the ready/overwritten notification pipeline (spec.md §4.4).
//
// Concurrency is grounded on the teacher's internal/queue/runner.go: one
// goroutine owns all FSM state and runs a work-item pump, the same shape as
// Runner.ioLoop's "select on ctx.Done, otherwise process one event" loop.
// Where the teacher serializes io_uring completions under a per-tag mutex,
// this context serializes GATT events and timer firings through a single
// work channel instead, since there is exactly one writer goroutine per
// connection rather than concurrent hardware completions to fan in.
package rrsp

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/constants"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/logging"
	"github.com/sem1-nordic/go-ras/internal/wire"
)

// State is RrspCore's per-context FSM state (spec.md §4.4).
type State int

const (
	Idle State = iota
	Streaming
	AwaitingAck
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Streaming:
		return "Streaming"
	case AwaitingAck:
		return "AwaitingAck"
	default:
		return "Unknown"
	}
}

type workKind int

const (
	workCommand workKind = iota
	workStreamerRetry
	workIndicateConfirmed
	workIndicateTimeout
	workStatusReady
	workStatusOverwritten
	workTimeout
)

type workItem struct {
	kind workKind

	cmdData []byte // workCommand

	confirmErr   error // workIndicateConfirmed
	confirmLast  bool
	confirmN     int
	confirmToken uint64 // workIndicateConfirmed / workIndicateTimeout

	statusCounter bufpool.RangingCounter // workStatusReady / workStatusOverwritten
}

// Observer receives streaming lifecycle events for metrics collection.
// Defined locally so this package never depends on the root package;
// ras.MetricsObserver satisfies this interface structurally.
type Observer interface {
	ObserveSegment(bytes int, retried bool)
	ObserveOverwrite()
	ObserveAckTimeout()
}

type noopObserver struct{}

func (noopObserver) ObserveSegment(int, bool) {}
func (noopObserver) ObserveOverwrite()        {}
func (noopObserver) ObserveAckTimeout()       {}

// Config bundles the values a Context needs beyond its Link and Pool.
type Config struct {
	AckTimeout time.Duration

	// IndicationTimeout bounds how long a single segment indication is
	// allowed to stay unconfirmed. A real link that never calls the
	// confirm callback (peer gone quiet, stack wedged) would otherwise
	// leave the streamer parked forever; the timeout treats a stale
	// indication the same as a failed send and retries it.
	IndicationTimeout time.Duration

	Observer Observer
}

// DefaultConfig mirrors constants.DefaultAckTimeout and
// constants.DefaultIndicationTimeout.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        constants.DefaultAckTimeout,
		IndicationTimeout: constants.DefaultIndicationTimeout,
	}
}

// Context is one connection's RrspCore instance.
type Context struct {
	conn   gatt.ConnHandle
	link   gatt.Link
	pool   *bufpool.Pool
	cfg    Config
	logger *logging.Logger

	workCh chan workItem
	stopCh chan struct{}
	wg     sync.WaitGroup

	cbHandle bufpool.CallbackHandle

	pendingCommand atomic.Bool

	// Everything below is only ever touched on the work goroutine.
	state      State
	activeBuf  *bufpool.ProcedureBuffer
	segCounter uint8

	segRetried bool

	pendingReady       *bufpool.RangingCounter
	pendingOverwritten *bufpool.RangingCounter

	ackTimer *time.Timer

	indicateTimer *time.Timer
	indicateToken uint64
}

// NewContext creates a context for conn and registers it with pool so
// ready/overwritten events for this connection reach the work queue.
func NewContext(conn gatt.ConnHandle, link gatt.Link, pool *bufpool.Pool, cfg Config, logger *logging.Logger) *Context {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = constants.DefaultAckTimeout
	}
	if cfg.IndicationTimeout <= 0 {
		cfg.IndicationTimeout = constants.DefaultIndicationTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Context{
		conn:   conn,
		link:   link,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		workCh: make(chan workItem, 8),
		stopCh: make(chan struct{}),
		state:  Idle,
	}
	c.cbHandle = pool.RegisterCallback(bufpool.Callback{
		OnReady: func(owner gatt.ConnHandle, counter bufpool.RangingCounter) {
			if owner == conn {
				c.post(workItem{kind: workStatusReady, statusCounter: counter})
			}
		},
		OnOverwritten: func(owner gatt.ConnHandle, counter bufpool.RangingCounter) {
			if owner == conn {
				c.post(workItem{kind: workStatusOverwritten, statusCounter: counter})
			}
		},
	})
	return c
}

// Start launches the work-item pump goroutine.
func (c *Context) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop signals the pump to exit. It neither waits for the goroutine to exit
// nor releases pool buffers; Close does both.
func (c *Context) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Close stops the pump, waits for it to exit, and releases pool resources
// held by this connection (mirrors Runner.Close's cleanup-on-teardown).
func (c *Context) Close() {
	c.Stop()
	c.wg.Wait()
	c.stopAckTimerLocked()
	c.stopIndicateTimerLocked()
	c.pool.UnregisterCallback(c.cbHandle)
	c.pool.OnConnectionLost(c.conn)
}

// State returns the current FSM state. Safe to call from any goroutine for
// diagnostics; the returned value may be stale by the time the caller acts
// on it.
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

// post enqueues a work item from any goroutine without blocking
// indefinitely: the channel is sized generously for a single connection's
// worth of in-flight events, so a full channel indicates the context is
// shutting down or badly backed up, and the event is dropped rather than
// leaking a goroutine per post.
func (c *Context) post(item workItem) {
	select {
	case c.workCh <- item:
	case <-c.stopCh:
	default:
		c.logger.Warn("rrsp: work queue full, dropping event", "conn", c.conn, "kind", item.kind)
	}
}

func (c *Context) handle(item workItem) {
	switch item.kind {
	case workCommand:
		c.pendingCommand.Store(false)
		c.handleCommand(item.cmdData)
	case workStreamerRetry:
		c.runStreamer()
	case workIndicateConfirmed:
		c.onIndicateConfirmed(item.confirmErr, item.confirmLast, item.confirmN, item.confirmToken)
	case workIndicateTimeout:
		c.onIndicateTimeout(item.confirmToken, item.confirmLast, item.confirmN)
	case workStatusReady:
		c.pendingReady = &item.statusCounter
		c.sendReadyNotification()
	case workStatusOverwritten:
		c.pendingOverwritten = &item.statusCounter
		c.cfg.Observer.ObserveOverwrite()
		c.sendOverwrittenNotification()
	case workTimeout:
		c.onAckTimeout()
	}
}

// HandleControlPointWrite is called by the GATT dispatch layer on a write
// to the RAS-CP characteristic. It must not block: it validates the
// subscription/pending-handler preconditions, copies the payload, and
// schedules the command work item (spec.md §4.4 "Control-point handling").
func (c *Context) HandleControlPointWrite(data []byte) error {
	if !c.link.Subscribed(c.conn, gatt.CharControlPoint, gatt.SubscribeIndicate) {
		return ErrNotSubscribed
	}
	if !c.pendingCommand.CompareAndSwap(false, true) {
		return ErrWriteRejected
	}
	payload := append([]byte(nil), data...)
	select {
	case c.workCh <- workItem{kind: workCommand, cmdData: payload}:
		return nil
	default:
		c.pendingCommand.Store(false)
		return ErrWriteRejected
	}
}

func (c *Context) handleCommand(data []byte) {
	if c.state == Streaming {
		c.sendRspCode(wire.RspCodeServerBusy)
		return
	}
	cmd, err := wire.UnmarshalCommand(data)
	if err != nil {
		c.sendRspCode(wire.RspCodeInvalidParameter)
		return
	}
	switch cmd.Opcode {
	case wire.OpcodeGetRangingData:
		c.handleGetRD(bufpool.RangingCounter(cmd.RangingCounter))
	case wire.OpcodeAckRangingData:
		c.handleAckRD(bufpool.RangingCounter(cmd.RangingCounter))
	default:
		c.sendRspCode(wire.RspCodeOpcodeNotSupported)
	}
}

func (c *Context) handleGetRD(counter bufpool.RangingCounter) {
	if c.activeBuf != nil {
		c.sendRspCode(wire.RspCodeServerBusy)
		return
	}
	if !c.pool.ReadyCheck(c.conn, counter) {
		c.sendRspCode(wire.RspCodeNoRecordsFound)
		return
	}
	c.sendRspCode(wire.RspCodeSuccess)

	buf, err := c.pool.Claim(c.conn, counter)
	if err != nil {
		// Raced with an eviction between ReadyCheck and Claim; nothing to
		// stream. The client already got SUCCESS, so it will time out
		// waiting for COMPLETE_RD rather than get a second response on
		// this same command — an accepted gap in the cooperative model
		// where both calls happen back to back on one goroutine and this
		// should not occur in practice.
		c.logger.Warn("rrsp: buffer evicted between ready_check and claim", "conn", c.conn, "counter", counter)
		return
	}
	c.pool.ResetReadCursor(buf)
	c.activeBuf = buf
	c.segCounter = 0
	c.state = Streaming
	c.runStreamer()
}

func (c *Context) handleAckRD(counter bufpool.RangingCounter) {
	if c.activeBuf == nil || c.activeBuf.Counter() != counter.Mask() {
		c.sendRspCode(wire.RspCodeNoRecordsFound)
		return
	}
	c.pool.Ack(c.activeBuf)
	c.pool.Release(c.activeBuf)
	c.activeBuf = nil
	c.state = Idle
	c.stopAckTimerLocked()
	c.sendRspCode(wire.RspCodeSuccess)
}

func (c *Context) sendRspCode(code wire.RspCode) {
	c.sendResponse(wire.RspCodeResponse(code))
}

func (c *Context) sendResponse(r wire.Response) {
	data := wire.MarshalResponse(r)
	err := c.link.Indicate(c.conn, gatt.CharControlPoint, data, func(err error) {
		if err != nil {
			c.logger.Warn("rrsp: RAS-CP response not confirmed", "conn", c.conn, "err", err)
		}
	})
	if err != nil {
		c.logger.Warn("rrsp: failed to indicate RAS-CP response", "conn", c.conn, "err", err)
	}
}

func (c *Context) startAckTimer() {
	c.stopAckTimerLocked()
	c.ackTimer = time.AfterFunc(c.cfg.AckTimeout, func() {
		c.post(workItem{kind: workTimeout})
	})
}

func (c *Context) stopAckTimerLocked() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
}

func (c *Context) onAckTimeout() {
	if c.state != AwaitingAck {
		return
	}
	c.logger.Warn("rrsp: RAS-CP ack timed out, abandoning session", "conn", c.conn)
	c.pool.Release(c.activeBuf)
	c.activeBuf = nil
	c.state = Idle
	c.ackTimer = nil
	c.cfg.Observer.ObserveAckTimeout()
}

func (c *Context) sendReadyNotification() {
	if c.pendingReady == nil {
		return
	}
	counter := *c.pendingReady
	c.pendingReady = nil
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, uint16(counter.Mask()))
	c.sendStatus(gatt.CharRDReady, payload)
}

func (c *Context) sendOverwrittenNotification() {
	if c.pendingOverwritten == nil {
		return
	}
	counter := *c.pendingOverwritten
	c.pendingOverwritten = nil
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, uint16(counter.Mask()))
	c.sendStatus(gatt.CharRDOverwritten, payload)
}

func (c *Context) sendStatus(handle gatt.CharHandle, payload []byte) {
	if c.link.Subscribed(c.conn, handle, gatt.SubscribeNotify) {
		if err := c.link.Notify(c.conn, handle, payload); err != nil {
			c.logger.Warn("rrsp: status notify failed", "conn", c.conn, "handle", handle, "err", err)
		}
		return
	}
	if c.link.Subscribed(c.conn, handle, gatt.SubscribeIndicate) {
		err := c.link.Indicate(c.conn, handle, payload, func(err error) {
			if err != nil {
				c.logger.Warn("rrsp: status indicate not confirmed", "conn", c.conn, "handle", handle, "err", err)
			}
		})
		if err != nil {
			c.logger.Warn("rrsp: status indicate failed", "conn", c.conn, "handle", handle, "err", err)
		}
	}
}
