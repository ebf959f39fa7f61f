package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangingHeaderRoundTrip(t *testing.T) {
	h := RangingHeader{
		RangingCounter:   0xABC, // uses all 12 counter bits
		ConfigID:         0x5,
		SelectedTxPower:  -12,
		AntennaPathsMask: 0x07,
	}
	buf := h.Marshal()
	require.Len(t, buf, RangingHeaderSize)

	got, err := UnmarshalRangingHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestRangingHeaderCounterMasked(t *testing.T) {
	h := RangingHeader{RangingCounter: 0xFFFF} // out-of-range input gets masked to 12 bits
	got, err := UnmarshalRangingHeader(h.Marshal())
	require.NoError(t, err)
	require.Equal(t, uint16(0x0FFF), got.RangingCounter)
}

func TestRangingHeaderUnmarshalShort(t *testing.T) {
	_, err := UnmarshalRangingHeader([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestSubeventHeaderRoundTrip(t *testing.T) {
	h := SubeventHeader{
		StartACLConnEvent:   12345,
		FreqCompensation:    -500,
		RangingDoneStatus:   0x1,
		SubeventDoneStatus:  0x2,
		RangingAbortReason:  0x3,
		SubeventAbortReason: 0x4,
		RefPowerLevel:       -20,
		NumStepsReported:    17,
	}
	got, err := UnmarshalSubeventHeader(h.Marshal())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestSegmentHeaderRoundTrip(t *testing.T) {
	cases := []SegmentHeader{
		{First: true, Last: false, SegmentCtr: 0},
		{First: false, Last: true, SegmentCtr: 63},
		{First: true, Last: true, SegmentCtr: 31},
		{First: false, Last: false, SegmentCtr: 17},
	}
	for _, sh := range cases {
		got := UnmarshalSegmentHeader(sh.Marshal())
		require.Equal(t, sh, got)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	c := Command{Opcode: OpcodeGetRangingData, RangingCounter: 0x0ABC}
	got, err := UnmarshalCommand(MarshalCommand(c))
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestCommandUnmarshalTooShort(t *testing.T) {
	_, err := UnmarshalCommand([]byte{byte(OpcodeAckRangingData), 0x01})
	require.Error(t, err)
}

func TestResponseRoundTripCompleteRD(t *testing.T) {
	r := CompleteRD(0x0FAB)
	got, err := UnmarshalResponse(MarshalResponse(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestResponseRoundTripRspCode(t *testing.T) {
	r := RspCodeResponse(RspCodeServerBusy)
	got, err := UnmarshalResponse(MarshalResponse(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestRspCodeString(t *testing.T) {
	require.Equal(t, "NO_RECORDS_FOUND", RspCodeNoRecordsFound.String())
	require.Equal(t, "SERVER_BUSY", RspCodeServerBusy.String())
}
