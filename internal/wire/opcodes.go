// Package wire implements the on-the-wire layouts for Ranging Service data:
// the RangingHeader/SubeventHeader/SegmentHeader bit-packed structures, and
// the RAS Control Point (RAS-CP) command/response frames. Every struct here
// has a fixed byte layout; Marshal/Unmarshal move data between that layout
// and Go values by hand, the same way the uapi package moves data between
// Go values and the kernel ABI.
package wire

// RAS-CP opcodes. Only GetRangingData and AckRangingData are implemented;
// the rest are recognized only so the core can reject them explicitly with
// OPCODE_NOT_SUPPORTED instead of silently ignoring the write.
type Opcode uint8

const (
	OpcodeGetRangingData  Opcode = 0x00
	OpcodeAckRangingData  Opcode = 0x01
	OpcodeRetrieveLostSeg Opcode = 0x02
	OpcodeAbort           Opcode = 0x03
	OpcodeSetFilter       Opcode = 0x04
)

func (o Opcode) String() string {
	switch o {
	case OpcodeGetRangingData:
		return "GET_RD"
	case OpcodeAckRangingData:
		return "ACK_RD"
	case OpcodeRetrieveLostSeg:
		return "RETRIEVE_LOST"
	case OpcodeAbort:
		return "ABORT"
	case OpcodeSetFilter:
		return "SET_FILTER"
	default:
		return "UNKNOWN_OPCODE"
	}
}

// Implemented reports whether the core actually services this opcode,
// rather than just rejecting it with OPCODE_NOT_SUPPORTED.
func (o Opcode) Implemented() bool {
	return o == OpcodeGetRangingData || o == OpcodeAckRangingData
}

// RAS-CP response opcodes.
type ResponseOpcode uint8

const (
	RspOpcodeCompleteRD        ResponseOpcode = 0x00
	RspOpcodeCompleteLostSeg   ResponseOpcode = 0x01 // unused, not implemented by this core
	RspOpcodeResponseCode      ResponseOpcode = 0x02
)

// RspCode is the single-byte status carried by a RSP_CODE response frame.
type RspCode uint8

const (
	RspCodeSuccess              RspCode = 0x01
	RspCodeOpcodeNotSupported   RspCode = 0x02
	RspCodeInvalidParameter     RspCode = 0x03
	RspCodeProcedureNotComplete RspCode = 0x06
	RspCodeServerBusy           RspCode = 0x07
	RspCodeNoRecordsFound       RspCode = 0x08
)

func (c RspCode) String() string {
	switch c {
	case RspCodeSuccess:
		return "SUCCESS"
	case RspCodeOpcodeNotSupported:
		return "OPCODE_NOT_SUPPORTED"
	case RspCodeInvalidParameter:
		return "INVALID_PARAMETER"
	case RspCodeProcedureNotComplete:
		return "PROCEDURE_NOT_COMPLETED"
	case RspCodeServerBusy:
		return "SERVER_BUSY"
	case RspCodeNoRecordsFound:
		return "NO_RECORDS_FOUND"
	default:
		return "UNKNOWN_RSP_CODE"
	}
}

// ATT-level error codes the service layer can raise on a characteristic
// write/read, surfaced here so callers don't need to know the raw byte.
const (
	AttErrWriteRejected = 0xFC // a command handler is already pending
	AttErrCCCDImproper  = 0xFD // write arrived without the required indicate subscription
)
