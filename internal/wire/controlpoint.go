package wire

import "encoding/binary"

// Command is a decoded RAS-CP write. GetRangingData and AckRangingData both
// carry a single ranging counter as their only parameter.
type Command struct {
	Opcode         Opcode
	RangingCounter uint16
}

// MarshalCommand encodes a Command the way a client writes it to the
// RAS Control Point characteristic: 1-byte opcode + 2-byte little-endian
// counter.
func MarshalCommand(c Command) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(c.Opcode)
	binary.LittleEndian.PutUint16(buf[1:3], c.RangingCounter)
	return buf
}

// UnmarshalCommand decodes a RAS-CP characteristic write.
func UnmarshalCommand(data []byte) (Command, error) {
	if len(data) == 0 {
		return Command{}, ErrInsufficientData{Want: 1, Got: 0}
	}
	op := Opcode(data[0])
	switch op {
	case OpcodeGetRangingData, OpcodeAckRangingData:
		if len(data) < 3 {
			return Command{}, ErrInsufficientData{Want: 3, Got: len(data)}
		}
		return Command{Opcode: op, RangingCounter: binary.LittleEndian.Uint16(data[1:3])}, nil
	default:
		return Command{Opcode: op}, nil
	}
}

// Response is a decoded/encoded RAS-CP indication.
type Response struct {
	Opcode         ResponseOpcode
	RangingCounter uint16 // valid when Opcode == RspOpcodeCompleteRD
	Code           RspCode // valid when Opcode == RspOpcodeResponseCode
}

// CompleteRD builds a COMPLETE_RD response for the given counter.
func CompleteRD(counter uint16) Response {
	return Response{Opcode: RspOpcodeCompleteRD, RangingCounter: counter}
}

// RspCodeResponse builds a RSP_CODE response carrying the given status.
func RspCodeResponse(code RspCode) Response {
	return Response{Opcode: RspOpcodeResponseCode, Code: code}
}

// MarshalResponse encodes a Response as it is indicated on the RAS Control
// Point characteristic.
func MarshalResponse(r Response) []byte {
	switch r.Opcode {
	case RspOpcodeCompleteRD:
		buf := make([]byte, 3)
		buf[0] = byte(r.Opcode)
		binary.LittleEndian.PutUint16(buf[1:3], r.RangingCounter)
		return buf
	default:
		return []byte{byte(r.Opcode), byte(r.Code)}
	}
}

// UnmarshalResponse decodes a RAS-CP indication (used by the requestor side).
func UnmarshalResponse(data []byte) (Response, error) {
	if len(data) == 0 {
		return Response{}, ErrInsufficientData{Want: 1, Got: 0}
	}
	op := ResponseOpcode(data[0])
	switch op {
	case RspOpcodeCompleteRD:
		if len(data) < 3 {
			return Response{}, ErrInsufficientData{Want: 3, Got: len(data)}
		}
		return Response{Opcode: op, RangingCounter: binary.LittleEndian.Uint16(data[1:3])}, nil
	case RspOpcodeResponseCode:
		if len(data) < 2 {
			return Response{}, ErrInsufficientData{Want: 2, Got: len(data)}
		}
		return Response{Opcode: op, Code: RspCode(data[1])}, nil
	default:
		return Response{Opcode: op}, nil
	}
}
