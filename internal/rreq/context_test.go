package rreq

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/wire"
)

type mockClientLink struct {
	mu       sync.Mutex
	mtu      uint16
	writes   [][]byte
	ch       chan []byte
	writeErr error
}

func newMockClientLink() *mockClientLink {
	return &mockClientLink{mtu: 247, ch: make(chan []byte, 16)}
}

func (m *mockClientLink) WriteControlPoint(conn gatt.ConnHandle, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, append([]byte(nil), data...))
	select {
	case m.ch <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (m *mockClientLink) Subscribe(conn gatt.ConnHandle, handle gatt.CharHandle, kind gatt.SubscriptionKind) error {
	return nil
}

func (m *mockClientLink) MTU(conn gatt.ConnHandle) uint16 { return m.mtu }

func waitWrite(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control point write")
		return nil
	}
}

func segmentFrame(first, last bool, ctr uint8, payload ...byte) []byte {
	sh := wire.SegmentHeader{First: first, Last: last, SegmentCtr: ctr}
	return append([]byte{sh.Marshal()}, payload...)
}

func TestGetRangingDataHappyPath(t *testing.T) {
	link := newMockClientLink()
	ctx := NewContext(1, link, nil, nil)
	ctx.Start()
	defer ctx.Close()

	type outcome struct {
		data []byte
		err  error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		d, err := ctx.GetRangingData(context.Background(), 5)
		resultCh <- outcome{d, err}
	}()

	getCmd := waitWrite(t, link.ch)
	cmd, err := wire.UnmarshalCommand(getCmd)
	require.NoError(t, err)
	require.Equal(t, wire.OpcodeGetRangingData, cmd.Opcode)

	ctx.HandleIndicate(gatt.CharControlPoint, wire.MarshalResponse(wire.RspCodeResponse(wire.RspCodeSuccess)), nil)
	ctx.HandleNotify(gatt.CharOnDemandRD, segmentFrame(true, false, 0, 0xDE, 0xAD))
	ctx.HandleNotify(gatt.CharOnDemandRD, segmentFrame(false, true, 1, 0xBE, 0xEF))
	ctx.HandleIndicate(gatt.CharControlPoint, wire.MarshalResponse(wire.CompleteRD(5)), nil)

	ackCmd := waitWrite(t, link.ch)
	ack, err := wire.UnmarshalCommand(ackCmd)
	require.NoError(t, err)
	require.Equal(t, wire.OpcodeAckRangingData, ack.Opcode)
	require.Equal(t, uint16(5), ack.RangingCounter)

	ctx.HandleIndicate(gatt.CharControlPoint, wire.MarshalResponse(wire.RspCodeResponse(wire.RspCodeSuccess)), nil)

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, res.data)
	require.Eventually(t, func() bool { return ctx.State() == Idle }, time.Second, time.Millisecond)
}

func TestGetRangingDataNoRecordsFound(t *testing.T) {
	link := newMockClientLink()
	ctx := NewContext(1, link, nil, nil)
	ctx.Start()
	defer ctx.Close()

	type outcome struct {
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		_, err := ctx.GetRangingData(context.Background(), 9)
		resultCh <- outcome{err}
	}()

	waitWrite(t, link.ch)
	ctx.HandleIndicate(gatt.CharControlPoint, wire.MarshalResponse(wire.RspCodeResponse(wire.RspCodeNoRecordsFound)), nil)

	res := <-resultCh
	require.ErrorIs(t, res.err, ErrNoRecordsFound)
	require.Eventually(t, func() bool { return ctx.State() == Idle }, time.Second, time.Millisecond)
}

func TestGetRangingDataBusyWhileInFlight(t *testing.T) {
	link := newMockClientLink()
	ctx := NewContext(1, link, nil, nil)
	ctx.Start()
	defer ctx.Close()

	go ctx.GetRangingData(context.Background(), 1)
	waitWrite(t, link.ch)

	_, err := ctx.GetRangingData(context.Background(), 2)
	require.ErrorIs(t, err, ErrBusy)
}

// TestReassemblyGapDetected exercises spec.md §4.5/§7: a gap only sets the
// reassembler's sticky error flag. The receive keeps draining segments and
// must not leave the RAS-CP exchange early — the responder is still
// streaming and will still send COMPLETE_RD, which this context must still
// ACK. Only once that ACK_RD round trip closes out does the caller learn
// of the failure, with a single completion delivery.
func TestReassemblyGapDetected(t *testing.T) {
	link := newMockClientLink()
	ctx := NewContext(1, link, nil, nil)
	ctx.Start()
	defer ctx.Close()

	type outcome struct {
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		_, err := ctx.GetRangingData(context.Background(), 3)
		resultCh <- outcome{err}
	}()

	waitWrite(t, link.ch)
	ctx.HandleIndicate(gatt.CharControlPoint, wire.MarshalResponse(wire.RspCodeResponse(wire.RspCodeSuccess)), nil)
	ctx.HandleNotify(gatt.CharOnDemandRD, segmentFrame(true, false, 0, 0x01))
	ctx.HandleNotify(gatt.CharOnDemandRD, segmentFrame(false, true, 2, 0x02)) // should be ctr 1, not 2

	// The gap must not have ended the exchange: no result yet, and no
	// premature ACK_RD write.
	select {
	case <-resultCh:
		t.Fatal("completion delivered before the responder's own COMPLETE_RD/ACK handshake closed out")
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, GetRdWritten, ctx.State())

	// The responder finishes its stream normally and sends COMPLETE_RD;
	// this context must still write ACK_RD for it.
	ctx.HandleIndicate(gatt.CharControlPoint, wire.MarshalResponse(wire.CompleteRD(3)), nil)
	ackCmd := waitWrite(t, link.ch)
	ack, err := wire.UnmarshalCommand(ackCmd)
	require.NoError(t, err)
	require.Equal(t, wire.OpcodeAckRangingData, ack.Opcode)
	require.Equal(t, uint16(3), ack.RangingCounter)

	ctx.HandleIndicate(gatt.CharControlPoint, wire.MarshalResponse(wire.RspCodeResponse(wire.RspCodeSuccess)), nil)

	res := <-resultCh
	require.ErrorIs(t, res.err, ErrReassemblyFailed)
	require.Eventually(t, func() bool { return ctx.State() == Idle }, time.Second, time.Millisecond)
}

func TestOverwrittenDuringReceive(t *testing.T) {
	link := newMockClientLink()
	ctx := NewContext(1, link, nil, nil)
	ctx.Start()
	defer ctx.Close()

	type outcome struct {
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		_, err := ctx.GetRangingData(context.Background(), 7)
		resultCh <- outcome{err}
	}()

	waitWrite(t, link.ch)
	ctx.HandleIndicate(gatt.CharControlPoint, wire.MarshalResponse(wire.RspCodeResponse(wire.RspCodeSuccess)), nil)
	ctx.HandleNotify(gatt.CharOnDemandRD, segmentFrame(true, false, 0, 0x01))

	overwritten := make([]byte, 2)
	binary.LittleEndian.PutUint16(overwritten, 7)
	ctx.HandleNotify(gatt.CharRDOverwritten, overwritten)

	res := <-resultCh
	require.ErrorIs(t, res.err, ErrOverwritten)
	require.Eventually(t, func() bool { return ctx.State() == Idle }, time.Second, time.Millisecond)
}
