// Package integration exercises the full Service/Client stack over the
// real loopback transport, covering the end-to-end scenarios and
// round-trip laws this module is expected to satisfy.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ras "github.com/sem1-nordic/go-ras"
	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/ingest"
	"github.com/sem1-nordic/go-ras/internal/wire"
	"github.com/sem1-nordic/go-ras/transport"
)

const demoConn = gatt.ConnHandle(1)

type responderAdapter struct{ svc *ras.Service }

func (r responderAdapter) HandleControlPointWrite(data []byte) error {
	return r.svc.HandleControlPointWrite(demoConn, data)
}

// requestorAdapter forwards inbound traffic to the real Client while also
// mirroring every frame into a mailbox the test can inspect, since Client
// itself exposes no way to peek at raw RAS-CP/status frames.
type requestorAdapter struct {
	client *ras.Client

	mu   sync.Mutex
	last map[gatt.CharHandle][]byte
}

func newRequestorAdapter(client *ras.Client) *requestorAdapter {
	return &requestorAdapter{client: client, last: make(map[gatt.CharHandle][]byte)}
}

func (r *requestorAdapter) record(handle gatt.CharHandle, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[handle] = append([]byte(nil), data...)
}

func (r *requestorAdapter) Last(handle gatt.CharHandle) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.last[handle]
	return data, ok
}

func (r *requestorAdapter) HandleNotify(handle gatt.CharHandle, data []byte) {
	r.record(handle, data)
	r.client.HandleNotify(demoConn, handle, data)
}

func (r *requestorAdapter) HandleIndicate(handle gatt.CharHandle, data []byte, confirm func(error)) {
	r.record(handle, data)
	r.client.HandleIndicate(demoConn, handle, data, confirm)
}

type harness struct {
	t       *testing.T
	lb      *transport.Loopback
	svc     *ras.Service
	client  *ras.Client
	adapter *requestorAdapter
}

func newHarness(t *testing.T, mtu uint16, svcCfg ras.ServiceConfig) *harness {
	t.Helper()
	lb, err := transport.NewLoopback(demoConn, mtu)
	require.NoError(t, err)
	t.Cleanup(func() { lb.Close() })

	svc := ras.NewService(lb, svcCfg, nil)
	client := ras.NewClient(lb, ras.DefaultClientConfig(), nil)
	adapter := newRequestorAdapter(client)
	lb.Attach(responderAdapter{svc}, adapter)

	svc.HandleConnect(demoConn)
	client.HandleConnect(demoConn)
	t.Cleanup(func() {
		svc.HandleDisconnect(demoConn)
		client.HandleDisconnect(demoConn)
	})

	require.NoError(t, lb.Subscribe(demoConn, gatt.CharControlPoint, gatt.SubscribeIndicate))
	require.NoError(t, lb.Subscribe(demoConn, gatt.CharOnDemandRD, gatt.SubscribeNotify))
	require.NoError(t, lb.Subscribe(demoConn, gatt.CharRDReady, gatt.SubscribeNotify))
	require.NoError(t, lb.Subscribe(demoConn, gatt.CharRDOverwritten, gatt.SubscribeNotify))

	return &harness{t: t, lb: lb, svc: svc, client: client, adapter: adapter}
}

func (h *harness) feedProcedure(counter uint16, totalBytes int) {
	h.t.Helper()
	const stepDataBudget = 35
	steps := (totalBytes + stepDataBudget - 1) / stepDataBudget
	if steps == 0 {
		steps = 1
	}
	stepModes := make([]byte, steps)
	stepData := make([]byte, totalBytes)
	for i := range stepData {
		stepData[i] = byte(i)
	}

	require.NoError(h.t, h.svc.Ingest().Append(demoConn, ingest.SubeventResult{
		ProcedureCounter: bufpool.RangingCounter(counter),
		NumStepsReported: uint8(steps),
		StepModes:        stepModes,
		StepData:         stepData,
		ProcedureDone:    ingest.ProcedureComplete,
	}))
}

func TestHappyPathFullProcedureRoundTrip(t *testing.T) {
	h := newHarness(t, 27, ras.DefaultServiceConfig())
	h.feedProcedure(7, 1200)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := h.client.GetRangingData(ctx, demoConn, 7)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	snap := h.svc.Metrics().Snapshot()
	require.Greater(t, snap.SegmentsSent, uint64(1))

	cSnap := h.client.Metrics().Snapshot()
	require.Equal(t, uint64(1), cSnap.GetRDSuccess)
}

func TestPoolOverwriteEmitsNotification(t *testing.T) {
	cfg := ras.DefaultServiceConfig()
	cfg.MaxConnections = 1
	cfg.BuffersPerConnection = 2
	h := newHarness(t, 247, cfg)

	h.feedProcedure(1, 16)
	h.feedProcedure(2, 16)
	h.feedProcedure(3, 16) // evicts counter 1, neither ready buffer is claimed

	// The overwritten notification is sent from the responder's work
	// goroutine, after the eviction itself.
	require.Eventually(t, func() bool {
		_, ok := h.adapter.Last(gatt.CharRDOverwritten)
		return ok
	}, time.Second, 5*time.Millisecond)

	data, ok := h.adapter.Last(gatt.CharRDOverwritten)
	require.True(t, ok)
	require.Len(t, data, 2)
	require.Equal(t, uint16(1), uint16(data[0])|uint16(data[1])<<8)

	snap := h.svc.Metrics().Snapshot()
	require.Equal(t, uint64(1), snap.Overwrites)
}

func TestAckSuppressesOverwriteNotification(t *testing.T) {
	cfg := ras.DefaultServiceConfig()
	cfg.MaxConnections = 1
	cfg.BuffersPerConnection = 2
	h := newHarness(t, 247, cfg)

	h.feedProcedure(1, 16)
	h.feedProcedure(2, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.client.GetRangingData(ctx, demoConn, 1) // fully retrieves and acks counter 1
	require.NoError(t, err)

	h.feedProcedure(3, 16) // evicts counter 1, but it is acked

	_, ok := h.adapter.Last(gatt.CharRDOverwritten)
	require.False(t, ok)

	snap := h.svc.Metrics().Snapshot()
	require.Equal(t, uint64(0), snap.Overwrites)
}

func TestInvalidGetRangingDataParameter(t *testing.T) {
	h := newHarness(t, 247, ras.DefaultServiceConfig())

	cmd := wire.MarshalCommand(wire.Command{Opcode: wire.OpcodeGetRangingData})[:1] // missing counter
	err := h.svc.HandleControlPointWrite(demoConn, cmd)
	require.NoError(t, err) // the write itself is accepted; the response is async

	require.Eventually(t, func() bool {
		_, ok := h.adapter.Last(gatt.CharControlPoint)
		return ok
	}, time.Second, 5*time.Millisecond)

	raw, _ := h.adapter.Last(gatt.CharControlPoint)
	resp, err := wire.UnmarshalResponse(raw)
	require.NoError(t, err)
	require.Equal(t, wire.RspCodeInvalidParameter, resp.Code)
}

// TestReacquireAfterAckFailsNoRecords exercises the resolved Open Question
// that an acked buffer becomes invisible to a subsequent GET_RD for the same
// counter (internal/bufpool.Pool.ReadyCheck), surfaced end to end as
// ErrCodeNoRecordsFound.
func TestReacquireAfterAckFailsNoRecords(t *testing.T) {
	h := newHarness(t, 247, ras.DefaultServiceConfig())
	h.feedProcedure(9, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.client.GetRangingData(ctx, demoConn, 9)
	require.NoError(t, err)

	_, err = h.client.GetRangingData(ctx, demoConn, 9)
	require.Error(t, err)
	require.True(t, ras.IsCode(err, ras.ErrCodeNoRecordsFound))
}

// TestSegmentCounterRollsOverAt64 forces a procedure whose flat image
// needs more than 64 segments at a small ATT_MTU, so the 6-bit rolling
// segment counter wraps back to 0 mid-stream. Reassembly must still
// succeed byte-for-byte across the wrap.
func TestSegmentCounterRollsOverAt64(t *testing.T) {
	const mtu = 23 // minimum ATT_MTU: 18 bytes of ranging data per segment
	h := newHarness(t, mtu, ras.DefaultServiceConfig())

	// Flat image = 4 (ranging header) + 8 (subevent header) + 38 step modes
	// + 1300 step data = 1350 bytes; ceil(1350/18) = 75 segments, well past
	// the 64-counter wrap.
	const totalBytes = 1300
	h.feedProcedure(4, totalBytes)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := h.client.GetRangingData(ctx, demoConn, 4)
	require.NoError(t, err)
	require.Greater(t, len(data), totalBytes)

	snap := h.svc.Metrics().Snapshot()
	require.Greater(t, snap.SegmentsSent, uint64(64))
}

func TestSequentialProceduresRoundTripIndependently(t *testing.T) {
	h := newHarness(t, 50, ras.DefaultServiceConfig())
	h.feedProcedure(1, 300)
	h.feedProcedure(2, 500)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := h.client.GetRangingData(ctx, demoConn, 1)
	require.NoError(t, err)
	second, err := h.client.GetRangingData(ctx, demoConn, 2)
	require.NoError(t, err)

	require.NotEqual(t, len(first), len(second))

	snap := h.client.Metrics().Snapshot()
	require.Equal(t, uint64(2), snap.GetRDSuccess)
}
