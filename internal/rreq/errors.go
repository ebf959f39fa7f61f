package rreq

import (
	"errors"

	"github.com/sem1-nordic/go-ras/internal/wire"
)

var (
	// ErrBusy is returned by GetRangingData when a request is already in
	// flight on this connection.
	ErrBusy = errors.New("rreq: a get-ranging-data request is already in flight")

	// ErrNoRecordsFound mirrors RspCodeNoRecordsFound.
	ErrNoRecordsFound = errors.New("rreq: no records found for that counter")

	// ErrServerBusy mirrors RspCodeServerBusy.
	ErrServerBusy = errors.New("rreq: responder is busy")

	// ErrInvalidParameter mirrors RspCodeInvalidParameter.
	ErrInvalidParameter = errors.New("rreq: responder rejected the command parameters")

	// ErrProcedureNotComplete mirrors RspCodeProcedureNotComplete.
	ErrProcedureNotComplete = errors.New("rreq: procedure not yet complete at the responder")

	// ErrReassemblyFailed is returned when segments arrive out of order, a
	// COMPLETE_RD indication arrives before the last segment, or a control
	// frame cannot be decoded.
	ErrReassemblyFailed = errors.New("rreq: ranging data reassembly failed")

	// ErrOverwritten is returned when the responder evicts the procedure
	// this context is mid-retrieval on.
	ErrOverwritten = errors.New("rreq: ranging data overwritten before retrieval completed")

	// ErrConnectionGone is returned for calls made after Close.
	ErrConnectionGone = errors.New("rreq: connection closed")
)

func mapRspCode(code wire.RspCode) error {
	switch code {
	case wire.RspCodeNoRecordsFound:
		return ErrNoRecordsFound
	case wire.RspCodeServerBusy:
		return ErrServerBusy
	case wire.RspCodeInvalidParameter:
		return ErrInvalidParameter
	case wire.RspCodeProcedureNotComplete:
		return ErrProcedureNotComplete
	default:
		return ErrReassemblyFailed
	}
}
