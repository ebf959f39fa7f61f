// Package ingest implements ProducerIngest: it receives CS subevent
// results from the controller and appends them into the currently-writing
// procedure buffer for that connection, marking the buffer ready once the
// controller reports the procedure complete (spec.md §4.3).
package ingest

import (
	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/logging"
	"github.com/sem1-nordic/go-ras/internal/wire"
)

// ProcedureDoneStatus mirrors the controller's procedure_done_status field.
type ProcedureDoneStatus uint8

const (
	ProcedureOngoing ProcedureDoneStatus = iota
	ProcedureComplete
	ProcedureAborted
)

// SubeventResult is one CS subevent result delivered by the controller.
// StepModes and StepData are already flattened by the controller's step
// parser (out of scope for this core); Ingest only appends them verbatim.
type SubeventResult struct {
	ProcedureCounter bufpool.RangingCounter
	ConfigID         uint8

	StartACLConnEvent   uint16
	FreqCompensation    int16
	RangingDoneStatus   uint8
	SubeventDoneStatus  uint8
	RangingAbortReason  uint8
	SubeventAbortReason uint8
	RefPowerLevel       int8
	NumStepsReported    uint8

	StepModes []byte // len must equal NumStepsReported
	StepData  []byte // packed step-data records, already parsed

	ProcedureDone ProcedureDoneStatus
}

// Observer receives ingest lifecycle events for metrics collection. Defined
// locally (rather than imported from the root package) so this package
// never depends on it; ras.MetricsObserver satisfies this interface
// structurally.
type Observer interface {
	ObserveIngest(aborted bool)
	ObserveDrop()
}

type noopObserver struct{}

func (noopObserver) ObserveIngest(bool) {}
func (noopObserver) ObserveDrop()       {}

// Config supplies values ProducerIngest cannot source from the controller
// directly — see the resolved Open Question in SPEC_FULL.md §6.
type Config struct {
	TxPower          int8
	AntennaPathsMask uint8
	Observer         Observer
}

// Ingest appends controller subevents into a connection's currently
// writing procedure buffer, backed by a bufpool.Pool.
type Ingest struct {
	pool   *bufpool.Pool
	cfg    Config
	logger *logging.Logger
}

// New creates an Ingest over the given pool.
func New(pool *bufpool.Pool, cfg Config, logger *logging.Logger) *Ingest {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	return &Ingest{pool: pool, cfg: cfg, logger: logger}
}

// stepScratch tracks the step-mode/step-data cursors for one Append call,
// mirroring the source's shared scratch context (step_mode_ptr,
// step_data_ptr, step_data_len, current_step) — here it just documents the
// two regions being appended back to back rather than driving an
// incremental parser, since the controller hands ingest a flattened result.
type stepScratch struct {
	stepModeLen int
	stepDataLen int
	currentStep int
}

// Append processes one subevent result for conn, appending it to the
// buffer currently being written for res.ProcedureCounter. Returns an
// error only for a dropped procedure (no buffer available, or the subevent
// would overflow the buffer's storage); malformed input
// from the controller is not expected and is not validated beyond bounds
// checks on the destination storage.
func (ig *Ingest) Append(conn gatt.ConnHandle, res SubeventResult) error {
	buf, err := ig.pool.OpenForWrite(conn, res.ProcedureCounter)
	if err != nil {
		ig.logger.Warn("dropping procedure: no buffer available", "conn", conn, "counter", res.ProcedureCounter, "err", err)
		ig.cfg.Observer.ObserveDrop()
		return err
	}

	if buf.Len() == wire.RangingHeaderSize {
		ig.pool.InitHeader(buf, wire.RangingHeader{
			RangingCounter:   uint16(res.ProcedureCounter.Mask()),
			ConfigID:         res.ConfigID,
			SelectedTxPower:  ig.cfg.TxPower,
			AntennaPathsMask: ig.cfg.AntennaPathsMask,
		})
	}

	scratch := stepScratch{
		stepModeLen: len(res.StepModes),
		stepDataLen: len(res.StepData),
	}

	sh := wire.SubeventHeader{
		StartACLConnEvent:   res.StartACLConnEvent,
		FreqCompensation:    res.FreqCompensation,
		RangingDoneStatus:   res.RangingDoneStatus,
		SubeventDoneStatus:  res.SubeventDoneStatus,
		RangingAbortReason:  res.RangingAbortReason,
		SubeventAbortReason: res.SubeventAbortReason,
		RefPowerLevel:       res.RefPowerLevel,
		NumStepsReported:    res.NumStepsReported,
	}
	if err := ig.pool.AppendRaw(buf, sh.Marshal()); err != nil {
		ig.logger.Warn("dropping procedure: subevent header overflow", "conn", conn, "counter", res.ProcedureCounter)
		ig.pool.Discard(buf)
		ig.cfg.Observer.ObserveIngest(true)
		return err
	}

	if err := ig.pool.AppendRaw(buf, res.StepModes); err != nil {
		ig.logger.Warn("dropping procedure: step-mode overflow", "conn", conn, "counter", res.ProcedureCounter)
		ig.pool.Discard(buf)
		ig.cfg.Observer.ObserveIngest(true)
		return err
	}
	scratch.currentStep = len(res.StepModes)

	if err := ig.pool.AppendRaw(buf, res.StepData); err != nil {
		ig.logger.Warn("dropping procedure: step-data overflow", "conn", conn, "counter", res.ProcedureCounter)
		ig.pool.Discard(buf)
		ig.cfg.Observer.ObserveIngest(true)
		return err
	}

	switch res.ProcedureDone {
	case ProcedureComplete:
		ig.pool.MarkReady(buf)
		ig.cfg.Observer.ObserveIngest(false)
	case ProcedureAborted:
		ig.pool.Discard(buf)
		ig.cfg.Observer.ObserveIngest(true)
	case ProcedureOngoing:
		// buffer stays busy, awaiting more subevents
	}
	return nil
}
