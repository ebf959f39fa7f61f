// Command ras-loopback demonstrates a full GetRangingData round trip over
// the in-process loopback transport: it feeds one synthetic CS procedure
// into a Service's ingest path, then drives a Client to retrieve it,
// mirroring the teacher's cmd/ublk-mem demo structure (flag parsing,
// logging setup, then a single end-to-end exercise of the library).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	ras "github.com/sem1-nordic/go-ras"
	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/ingest"
	"github.com/sem1-nordic/go-ras/internal/logging"
	"github.com/sem1-nordic/go-ras/transport"
)

const demoConn = gatt.ConnHandle(1)

// serviceResponder adapts Service's connection-scoped method to the
// narrow, connection-bound shape transport.Loopback expects on its
// responder side.
type serviceResponder struct {
	svc *ras.Service
}

func (r serviceResponder) HandleControlPointWrite(data []byte) error {
	return r.svc.HandleControlPointWrite(demoConn, data)
}

// clientRequestor adapts Client's connection-scoped methods to the narrow,
// connection-bound shape transport.Loopback expects on its requestor side.
type clientRequestor struct {
	client *ras.Client
}

func (r clientRequestor) HandleNotify(handle gatt.CharHandle, data []byte) {
	r.client.HandleNotify(demoConn, handle, data)
}

func (r clientRequestor) HandleIndicate(handle gatt.CharHandle, data []byte, confirm func(error)) {
	r.client.HandleIndicate(demoConn, handle, data, confirm)
}

func main() {
	var (
		verbose = flag.Bool("v", false, "verbose output")
		mtu     = flag.Int("mtu", 247, "simulated ATT MTU")
		steps   = flag.Int("steps", 4, "number of CS steps in the synthetic procedure")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	lb, err := transport.NewLoopback(demoConn, uint16(*mtu))
	if err != nil {
		log.Fatalf("failed to create loopback transport: %v", err)
	}
	defer lb.Close()

	svc := ras.NewService(lb, ras.DefaultServiceConfig(), logger)
	client := ras.NewClient(lb, ras.DefaultClientConfig(), logger)

	lb.Attach(serviceResponder{svc}, clientRequestor{client})

	svc.HandleConnect(demoConn)
	defer svc.HandleDisconnect(demoConn)
	client.HandleConnect(demoConn)
	defer client.HandleDisconnect(demoConn)

	// Subscribe the requestor side to the characteristics it needs: RAS-CP
	// indications for command responses, and notifications for segmented
	// ranging data.
	_ = lb.Subscribe(demoConn, gatt.CharControlPoint, gatt.SubscribeIndicate)
	_ = lb.Subscribe(demoConn, gatt.CharOnDemandRD, gatt.SubscribeNotify)
	_ = lb.Subscribe(demoConn, gatt.CharRDReady, gatt.SubscribeNotify)
	_ = lb.Subscribe(demoConn, gatt.CharRDOverwritten, gatt.SubscribeNotify)

	logger.Info("feeding synthetic CS procedure", "steps", *steps)
	if err := feedProcedure(svc, *steps); err != nil {
		log.Fatalf("ingest failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := client.GetRangingData(ctx, demoConn, 1)
	if err != nil {
		log.Fatalf("GetRangingData failed: %v", err)
	}

	fmt.Printf("retrieved ranging data record: %d bytes\n", len(data))
	snap := svc.Metrics().Snapshot()
	fmt.Printf("service metrics: procedures_ingested=%d segments_sent=%d bytes_streamed=%d\n",
		snap.ProceduresIngested, snap.SegmentsSent, snap.BytesStreamed)
	cSnap := client.Metrics().Snapshot()
	fmt.Printf("client metrics: get_rd_success=%d avg_latency=%s\n",
		cSnap.GetRDSuccess, time.Duration(cSnap.AvgLatencyNs))
}

// feedProcedure synthesizes one complete CS procedure's worth of subevent
// data and appends it through the service's ingest path.
func feedProcedure(svc *ras.Service, steps int) error {
	stepModes := make([]byte, steps)
	stepData := make([]byte, steps*4)
	for i := range stepModes {
		stepModes[i] = byte(i % 3)
	}
	for i := range stepData {
		stepData[i] = byte(i)
	}
	return svc.Ingest().Append(demoConn, ingest.SubeventResult{
		ProcedureCounter:   bufpool.RangingCounter(1),
		ConfigID:           0,
		NumStepsReported:   uint8(steps),
		StepModes:          stepModes,
		StepData:           stepData,
		RefPowerLevel:      -20,
		RangingDoneStatus:  0,
		SubeventDoneStatus: 0,
		ProcedureDone:      ingest.ProcedureComplete,
	})
}
