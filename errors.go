package ras

import (
	"errors"
	"fmt"

	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/rreq"
	"github.com/sem1-nordic/go-ras/internal/rrsp"
)

// Error is this module's structured error type: every error returned
// across the Service/Client boundary carries the operation that failed,
// the connection it concerns, and a high-level code callers can switch
// on, following the same Op/Code/Msg/Inner shape the teacher used for its
// kernel-facing errors.
type Error struct {
	Op    string     // operation that failed (e.g. "GetRangingData", "HandleControlPointWrite")
	Conn  uint16      // connection handle (0 if not applicable)
	Code  ErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Conn != 0 {
		return fmt.Sprintf("ras: %s: conn=%d: %s", e.Op, e.Conn, msg)
	}
	return fmt.Sprintf("ras: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode categorizes the failure modes a Service or Client can surface,
// grounded on the RAS-CP response codes (spec.md §4.1) plus the boundary
// failures specific to this core (resource exhaustion, reassembly, and
// connection loss).
type ErrorCode string

const (
	ErrCodeOpcodeNotSupported  ErrorCode = "opcode not supported"
	ErrCodeInvalidParameter    ErrorCode = "invalid parameter"
	ErrCodeServerBusy          ErrorCode = "server busy"
	ErrCodeNoRecordsFound      ErrorCode = "no records found"
	ErrCodeProcedureNotComplete ErrorCode = "procedure not completed"
	ErrCodeResourceExhausted  ErrorCode = "resource exhausted"
	ErrCodeReassemblyFailed   ErrorCode = "ranging data reassembly failed"
	ErrCodeOverwritten        ErrorCode = "ranging data overwritten before retrieval"
	ErrCodeConnectionGone     ErrorCode = "connection gone"
	ErrCodeNotSubscribed      ErrorCode = "peer not subscribed for control point indications"
)

// NewError creates a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewConnError creates a structured error scoped to a connection.
func NewConnError(op string, conn uint16, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Conn: conn, Code: code, Msg: msg}
}

// sentinelCodes maps internal package sentinel errors to the public
// ErrorCode a Service/Client caller should switch on.
var sentinelCodes = map[error]ErrorCode{
	rrsp.ErrNotSubscribed: ErrCodeNotSubscribed,
	rrsp.ErrWriteRejected: ErrCodeServerBusy,

	rreq.ErrBusy:                ErrCodeServerBusy,
	rreq.ErrNoRecordsFound:      ErrCodeNoRecordsFound,
	rreq.ErrServerBusy:          ErrCodeServerBusy,
	rreq.ErrInvalidParameter:    ErrCodeInvalidParameter,
	rreq.ErrProcedureNotComplete: ErrCodeProcedureNotComplete,
	rreq.ErrReassemblyFailed:    ErrCodeReassemblyFailed,
	rreq.ErrOverwritten:         ErrCodeOverwritten,
	rreq.ErrConnectionGone:      ErrCodeConnectionGone,

	bufpool.ErrNoVictim:       ErrCodeResourceExhausted,
	bufpool.ErrNotReady:       ErrCodeNoRecordsFound,
	bufpool.ErrStorageExhausted: ErrCodeResourceExhausted,
}

// WrapError wraps an existing error with RAS operation context, mapping
// known internal sentinels to an ErrorCode where possible.
func WrapError(op string, conn uint16, inner error) *Error {
	if inner == nil {
		return nil
	}
	if re, ok := inner.(*Error); ok {
		return &Error{Op: op, Conn: conn, Code: re.Code, Msg: re.Msg, Inner: re.Inner}
	}
	for sentinel, code := range sentinelCodes {
		if errors.Is(inner, sentinel) {
			return &Error{Op: op, Conn: conn, Code: code, Msg: inner.Error(), Inner: inner}
		}
	}
	return &Error{Op: op, Conn: conn, Code: ErrCodeReassemblyFailed, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or something it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code == code
	}
	return false
}
