package bufpool

import (
	"sync/atomic"

	"github.com/sem1-nordic/go-ras/internal/constants"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/wire"
)

// StorageSize is the fixed per-buffer capacity: one RangingHeader plus the
// worst case of 32 SubeventHeaders, 256 step-mode bytes, and 256*35 bytes
// of step data.
const StorageSize = wire.RangingHeaderSize +
	constants.MaxSubeventsPerProcedure*wire.SubeventHeaderSize +
	constants.MaxStepModeBytesPerSubevent +
	constants.MaxStepDataBytesPerSubevent

// ProcedureBuffer holds one reassembled (or in-progress) CS procedure.
// refcount is atomic per Design Notes §9 ("declared non-atomic in most
// source variants but intended to be atomic"); every other field is only
// ever touched while the owning Pool's mutex is held.
type ProcedureBuffer struct {
	inUse   bool
	conn    gatt.ConnHandle
	counter RangingCounter

	ready bool
	busy  bool
	acked bool

	refcount atomic.Int32

	writeCursor int // offset into storage[RangingHeaderSize:] where ingest writes next
	readCursor  int // offset into the flat image (header included) the streamer reads from

	header  wire.RangingHeader
	storage [StorageSize - wire.RangingHeaderSize]byte
}

// Conn returns the connection that owns this buffer.
func (b *ProcedureBuffer) Conn() gatt.ConnHandle { return b.conn }

// Counter returns the buffer's ranging counter.
func (b *ProcedureBuffer) Counter() RangingCounter { return b.counter }

// Ready reports whether a complete procedure is present.
func (b *ProcedureBuffer) Ready() bool { return b.ready }

// Acked reports whether the client has acknowledged this procedure.
func (b *ProcedureBuffer) Acked() bool { return b.acked }

// Len returns the length of the flat on-wire image (header + subevents
// written so far).
func (b *ProcedureBuffer) Len() int {
	return wire.RangingHeaderSize + b.writeCursor
}

// readAt copies up to len(out) bytes of the flat image starting at
// offset, returning the number of bytes copied.
func (b *ProcedureBuffer) readAt(offset int, out []byte) int {
	total := b.Len()
	if offset >= total {
		return 0
	}
	n := copy(out, b.flatImage()[offset:total])
	return n
}

// flatImage returns the full header+subevents byte sequence written so
// far. Only valid while the pool mutex is held (or the buffer is claimed
// read-only, which the streaming path guarantees by construction).
func (b *ProcedureBuffer) flatImage() []byte {
	buf := make([]byte, wire.RangingHeaderSize+b.writeCursor)
	b.header.MarshalInto(buf[:wire.RangingHeaderSize])
	copy(buf[wire.RangingHeaderSize:], b.storage[:b.writeCursor])
	return buf
}
