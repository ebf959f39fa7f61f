// Package bufpool implements the RdBufferPool: a fixed pool of procedure
// buffers keyed by (connection, ranging counter), owning the allocation and
// overwrite policy, refcounting, and read cursors described in spec.md §4.2.
// It is grounded on the teacher's internal/queue/pool.go size-bucketed
// sync.Pool (the "pooled, fixed-capacity slots" idiom) generalized from
// byte-size buckets to connection-keyed procedure slots, and on
// internal/queue/runner.go's per-slot locking discipline generalized from a
// per-tag mutex array to one pool-wide mutex (Design Notes §9: "a true
// parallel runtime must protect the pool under a single mutex").
package bufpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sem1-nordic/go-ras/internal/constants"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/wire"
)

// ErrStorageExhausted is returned by AppendRaw when a subevent would
// overflow the buffer's fixed storage region.
var ErrStorageExhausted = errors.New("bufpool: subevent would overflow procedure storage")

// ErrNoVictim is returned by OpenForWrite when the pool is full for the
// connection and no evictable buffer exists. The caller (ingest) must drop
// the procedure and log a resource error; this is non-fatal to the
// connection per spec.md §7.
var ErrNoVictim = errors.New("bufpool: no free slot and no evictable victim")

// ErrNotReady is returned by Claim when no ready buffer exists for the key.
var ErrNotReady = errors.New("bufpool: no ready buffer for that counter")

// Callback receives pool lifecycle events. OnReady fires when ingest marks
// a buffer complete; OnOverwritten fires when a ready, unacked buffer is
// evicted to make room for a new one.
type Callback struct {
	OnReady       func(conn gatt.ConnHandle, counter RangingCounter)
	OnOverwritten func(conn gatt.ConnHandle, counter RangingCounter)
}

// Config controls pool sizing.
type Config struct {
	MaxConnections      int
	BuffersPerConnection int
}

// DefaultConfig mirrors the teacher's DefaultParams-style constructor.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       constants.DefaultMaxConnections,
		BuffersPerConnection: constants.DefaultBuffersPerConnection,
	}
}

// CallbackHandle identifies a registered Callback for later removal.
type CallbackHandle int

// Pool is the fixed-size procedure buffer pool, sized at
// MaxConnections x BuffersPerConnection slots.
type Pool struct {
	mu        sync.Mutex
	cfg       Config
	slots     []*ProcedureBuffer
	callbacks map[CallbackHandle]Callback
	nextCbID  CallbackHandle
}

// New creates a pool with cfg.MaxConnections*cfg.BuffersPerConnection
// preallocated slots.
func New(cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.DefaultMaxConnections
	}
	if cfg.BuffersPerConnection <= 0 {
		cfg.BuffersPerConnection = constants.DefaultBuffersPerConnection
	}
	p := &Pool{cfg: cfg, callbacks: make(map[CallbackHandle]Callback)}
	total := cfg.MaxConnections * cfg.BuffersPerConnection
	p.slots = make([]*ProcedureBuffer, total)
	for i := range p.slots {
		p.slots[i] = &ProcedureBuffer{}
	}
	return p
}

// RegisterCallback adds a callback struct to be invoked on ready and
// overwritten events, returning a handle that UnregisterCallback accepts.
func (p *Pool) RegisterCallback(cb Callback) CallbackHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextCbID
	p.nextCbID++
	p.callbacks[id] = cb
	return id
}

// UnregisterCallback removes a previously registered callback. Connections
// must call this on teardown so a disconnected context's closures are not
// retained by the pool indefinitely (and, more importantly, so new pool
// events never reach a context whose work queue is no longer being drained).
func (p *Pool) UnregisterCallback(h CallbackHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.callbacks, h)
}

// findBusyLocked returns the busy buffer for (conn, counter), if any.
func (p *Pool) findBusyLocked(conn gatt.ConnHandle, counter RangingCounter) *ProcedureBuffer {
	for _, b := range p.slots {
		if b.inUse && b.conn == conn && b.counter == counter && b.busy {
			return b
		}
	}
	return nil
}

// findReadyLocked returns the ready (not busy) buffer for (conn, counter).
func (p *Pool) findReadyLocked(conn gatt.ConnHandle, counter RangingCounter) *ProcedureBuffer {
	for _, b := range p.slots {
		if b.inUse && b.conn == conn && b.counter == counter && b.ready && !b.busy {
			return b
		}
	}
	return nil
}

// connCountLocked returns how many slots are currently occupied (busy or
// ready) by conn.
func (p *Pool) connCountLocked(conn gatt.ConnHandle) int {
	n := 0
	for _, b := range p.slots {
		if b.inUse && b.conn == conn {
			n++
		}
	}
	return n
}

// freeSlotLocked returns an unused slot, if any.
func (p *Pool) freeSlotLocked() *ProcedureBuffer {
	for _, b := range p.slots {
		if !b.inUse {
			return b
		}
	}
	return nil
}

// victimLocked picks the oldest ready, unclaimed, non-busy buffer for conn,
// using 12-bit wrap-aware counter ordering.
func (p *Pool) victimLocked(conn gatt.ConnHandle) *ProcedureBuffer {
	var victim *ProcedureBuffer
	for _, b := range p.slots {
		if !b.inUse || b.conn != conn || b.busy || !b.ready || b.refcount.Load() != 0 {
			continue
		}
		if victim == nil || Precedes(b.counter, victim.counter) {
			victim = b
		}
	}
	return victim
}

// OpenForWrite returns the busy buffer for (conn, counter), allocating one
// if none exists. See spec.md §4.2 for the allocation/eviction policy.
func (p *Pool) OpenForWrite(conn gatt.ConnHandle, counter RangingCounter) (*ProcedureBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b := p.findBusyLocked(conn, counter); b != nil {
		return b, nil
	}

	var slot *ProcedureBuffer
	if p.connCountLocked(conn) < p.cfg.BuffersPerConnection {
		slot = p.freeSlotLocked()
	}
	if slot == nil {
		victim := p.victimLocked(conn)
		if victim == nil {
			return nil, fmt.Errorf("%w: conn=%v counter=%v", ErrNoVictim, conn, counter)
		}
		if !victim.acked && len(p.callbacks) > 0 {
			evictedConn, evictedCounter := victim.conn, victim.counter
			for _, cb := range p.callbacks {
				if cb.OnOverwritten != nil {
					cb.OnOverwritten(evictedConn, evictedCounter)
				}
			}
		}
		slot = victim
	}

	*slot = ProcedureBuffer{
		inUse: true,
		conn:  conn,
		busy:  true,
	}
	slot.counter = counter.Mask()
	return slot, nil
}

// InitHeader sets a freshly-opened buffer's RangingHeader. Ingest calls
// this exactly once, on the first subevent of a new buffer.
func (p *Pool) InitHeader(b *ProcedureBuffer, h wire.RangingHeader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.header = h
}

// AppendRaw appends data to the buffer's subevents region at write_cursor,
// advancing it. Returns ErrStorageExhausted without writing anything if
// data would not fit.
func (p *Pool) AppendRaw(b *ProcedureBuffer, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.writeCursor+len(data) > len(b.storage) {
		return ErrStorageExhausted
	}
	copy(b.storage[b.writeCursor:], data)
	b.writeCursor += len(data)
	return nil
}

// ReadyCheck reports whether a ready, non-busy buffer exists for the key.
// Per the resolved Open Question in SPEC_FULL.md §6, an acked buffer is
// immediately invisible here — a subsequent GET_RD for an already-acked
// counter behaves as if the buffer doesn't exist.
func (p *Pool) ReadyCheck(conn gatt.ConnHandle, counter RangingCounter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.findReadyLocked(conn, counter.Mask())
	return b != nil && !b.acked
}

// Claim increments the refcount of a ready buffer and returns it.
func (p *Pool) Claim(conn gatt.ConnHandle, counter RangingCounter) (*ProcedureBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.findReadyLocked(conn, counter.Mask())
	if b == nil || b.acked {
		return nil, ErrNotReady
	}
	b.refcount.Add(1)
	return b, nil
}

// Release decrements a buffer's refcount. The buffer is not freed; it
// remains available for re-claim until evicted.
func (p *Pool) Release(b *ProcedureBuffer) {
	if b == nil {
		return
	}
	b.refcount.Add(-1)
}

// Ack marks a claimed buffer as acked, making it invisible to ReadyCheck
// and exempting it from overwritten notifications on eviction.
func (p *Pool) Ack(b *ProcedureBuffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b.acked = true
}

// MarkReady is called by ingest when a procedure completes: clears busy,
// sets ready, and fires OnReady callbacks.
func (p *Pool) MarkReady(b *ProcedureBuffer) {
	p.mu.Lock()
	b.busy = false
	b.ready = true
	conn, counter := b.conn, b.counter
	cbs := make([]Callback, 0, len(p.callbacks))
	for _, cb := range p.callbacks {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnReady != nil {
			cb.OnReady(conn, counter)
		}
	}
}

// Discard frees a buffer back to the pool without marking it ready, used
// when ingest observes procedure_done_status == aborted.
func (p *Pool) Discard(b *ProcedureBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*b = ProcedureBuffer{}
}

// Pull copies up to len(out) bytes from read_cursor forward in the flat
// image and advances read_cursor. Returns the number of bytes copied; 0
// means the image is exhausted.
func (p *Pool) Pull(b *ProcedureBuffer, out []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := b.readAt(b.readCursor, out)
	b.readCursor += n
	return n
}

// Rewind moves read_cursor back by n bytes, used when a transmit attempt
// fails and must be retried.
func (p *Pool) Rewind(b *ProcedureBuffer, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.readCursor -= n
	if b.readCursor < 0 {
		b.readCursor = 0
	}
}

// ResetReadCursor returns a buffer's read cursor to the start of the flat
// image, used at the beginning of each new streaming session.
func (p *Pool) ResetReadCursor(b *ProcedureBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.readCursor = 0
}

// Cursor returns a buffer's current read cursor, used by the streamer to
// decide whether the next pull starts a new segment stream (cursor == 0).
func (p *Pool) Cursor(b *ProcedureBuffer) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return b.readCursor
}

// Remaining reports how many unread bytes are left in the flat image.
func (p *Pool) Remaining(b *ProcedureBuffer) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return b.Len() - b.readCursor
}

// OnConnectionLost frees every buffer owned by conn, ignoring refcounts:
// the claim is stale on disconnect.
func (p *Pool) OnConnectionLost(conn gatt.ConnHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.slots {
		if b.inUse && b.conn == conn {
			*b = ProcedureBuffer{}
		}
	}
}
