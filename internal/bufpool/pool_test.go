package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sem1-nordic/go-ras/internal/gatt"
)

func fillAndComplete(t *testing.T, p *Pool, conn gatt.ConnHandle, counter RangingCounter, payload []byte) *ProcedureBuffer {
	t.Helper()
	b, err := p.OpenForWrite(conn, counter)
	require.NoError(t, err)
	require.NoError(t, p.AppendRaw(b, payload))
	p.MarkReady(b)
	return b
}

func TestOpenForWriteAllocatesFreeSlot(t *testing.T) {
	p := New(Config{MaxConnections: 2, BuffersPerConnection: 2})
	b, err := p.OpenForWrite(1, 5)
	require.NoError(t, err)
	require.True(t, b.busy)
	require.False(t, b.ready)
	require.Equal(t, RangingCounter(5), b.Counter())
}

func TestOpenForWriteReturnsExistingBusyBuffer(t *testing.T) {
	p := New(Config{MaxConnections: 2, BuffersPerConnection: 2})
	b1, err := p.OpenForWrite(1, 5)
	require.NoError(t, err)
	b2, err := p.OpenForWrite(1, 5)
	require.NoError(t, err)
	require.Same(t, b1, b2)
}

func TestReadyCheckAndClaim(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 2})
	require.False(t, p.ReadyCheck(1, 9))

	b := fillAndComplete(t, p, 1, 9, []byte("hello"))
	require.True(t, p.ReadyCheck(1, 9))

	claimed, err := p.Claim(1, 9)
	require.NoError(t, err)
	require.Same(t, b, claimed)
	require.Equal(t, int32(1), b.refcount.Load())

	p.Release(claimed)
	require.Equal(t, int32(0), b.refcount.Load())
}

func TestAckMakesBufferInvisibleToReadyCheck(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 2})
	fillAndComplete(t, p, 1, 1, []byte("x"))
	claimed, err := p.Claim(1, 1)
	require.NoError(t, err)
	p.Ack(claimed)
	p.Release(claimed)

	require.False(t, p.ReadyCheck(1, 1))
	_, err = p.Claim(1, 1)
	require.ErrorIs(t, err, ErrNotReady)
}

// Scenario 2: pool overwrite with BUFFERS_PER_CONN=2.
func TestPoolOverwriteEvictsOldestUnacked(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 2})

	var overwritten []RangingCounter
	p.RegisterCallback(Callback{
		OnOverwritten: func(conn gatt.ConnHandle, c RangingCounter) { overwritten = append(overwritten, c) },
	})

	fillAndComplete(t, p, 1, 1, []byte("a"))
	fillAndComplete(t, p, 1, 2, []byte("b"))

	// Pool full (2 slots used); ingest counter 3 should evict counter 1.
	_, err := p.OpenForWrite(1, 3)
	require.NoError(t, err)

	require.Equal(t, []RangingCounter{1}, overwritten)
	require.False(t, p.ReadyCheck(1, 1))
	require.True(t, p.ReadyCheck(1, 2))
}

// Scenario 3: ack suppression, no overwritten notification for acked buffer.
func TestPoolOverwriteSuppressedWhenAcked(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 2})

	var overwritten []RangingCounter
	p.RegisterCallback(Callback{
		OnOverwritten: func(conn gatt.ConnHandle, c RangingCounter) { overwritten = append(overwritten, c) },
	})

	b1 := fillAndComplete(t, p, 1, 1, []byte("a"))
	fillAndComplete(t, p, 1, 2, []byte("b"))

	claimed, err := p.Claim(1, 1)
	require.NoError(t, err)
	p.Ack(claimed)
	p.Release(claimed)

	_, err = p.OpenForWrite(1, 3)
	require.NoError(t, err)

	require.Empty(t, overwritten)
	_ = b1
}

func TestOpenForWriteNoVictimWhenAllClaimed(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 1})
	fillAndComplete(t, p, 1, 1, []byte("a"))
	claimed, err := p.Claim(1, 1)
	require.NoError(t, err)
	defer p.Release(claimed)

	_, err = p.OpenForWrite(1, 2)
	require.ErrorIs(t, err, ErrNoVictim)
}

// 12-bit counter wrap: the victim calculation picks the buffer preceding
// the newest in wrap-aware order, not plain numeric order.
func TestVictimSelectionIsWrapAware(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 2})

	var overwritten []RangingCounter
	p.RegisterCallback(Callback{
		OnOverwritten: func(conn gatt.ConnHandle, c RangingCounter) { overwritten = append(overwritten, c) },
	})

	// 4094 and 2 straddle the wrap point; 4094 precedes 2 (forward
	// distance 4 < 2048), so 4094 is the older of the two and should be
	// evicted first, even though 4094 > 2 numerically.
	fillAndComplete(t, p, 1, 4094, []byte("a"))
	fillAndComplete(t, p, 1, 2, []byte("b"))

	_, err := p.OpenForWrite(1, 10)
	require.NoError(t, err)

	require.Equal(t, []RangingCounter{4094}, overwritten)
}

func TestPullAndRewind(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 1})
	b := fillAndComplete(t, p, 1, 1, []byte("0123456789"))
	claimed, err := p.Claim(1, 1)
	require.NoError(t, err)
	defer p.Release(claimed)

	out := make([]byte, 4)
	n := p.Pull(b, out)
	require.Equal(t, 4, n)
	first := append([]byte(nil), out...)

	p.Rewind(b, 4)
	n2 := p.Pull(b, out)
	require.Equal(t, 4, n2)
	require.Equal(t, first, out) // re-pulled same region deterministically
}

func TestOnConnectionLostFreesAllBuffersIgnoringRefcount(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 2})
	b := fillAndComplete(t, p, 1, 1, []byte("a"))
	_, err := p.Claim(1, 1)
	require.NoError(t, err)

	p.OnConnectionLost(1)

	require.False(t, b.inUse)
	require.False(t, p.ReadyCheck(1, 1))
}

func TestUnregisterCallbackStopsDelivery(t *testing.T) {
	p := New(Config{MaxConnections: 1, BuffersPerConnection: 2})

	var ready []RangingCounter
	handle := p.RegisterCallback(Callback{
		OnReady: func(conn gatt.ConnHandle, c RangingCounter) { ready = append(ready, c) },
	})
	fillAndComplete(t, p, 1, 1, []byte("a"))
	require.Equal(t, []RangingCounter{1}, ready)

	p.UnregisterCallback(handle)
	fillAndComplete(t, p, 1, 2, []byte("b"))
	require.Equal(t, []RangingCounter{1}, ready)
}

func TestRangingCounterPrecedes(t *testing.T) {
	require.True(t, Precedes(1, 2))
	require.False(t, Precedes(2, 1))
	require.False(t, Precedes(5, 5))
	require.True(t, Precedes(4094, 2)) // wraps through 4095/0/1
	require.False(t, Precedes(2, 4094))
}
