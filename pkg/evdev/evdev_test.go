package evdev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	tests := []Event{
		{Type: EvRel, Code: RelX, Value: -3},
		{Type: EvKey, Code: 0x100, Value: 1},
		{Type: EvSyn, Code: SynReport, Value: 0},
	}
	for _, ev := range tests {
		buf := make([]byte, RecordSize)
		EncodeRecord(buf, ev)
		got, err := DecodeRecord(buf)
		require.NoError(t, err)
		require.Equal(t, ev, got)
	}
}

func TestDecodeRecordShort(t *testing.T) {
	_, err := DecodeRecord(make([]byte, RecordSize-1))
	require.Error(t, err)
}

func TestParseBitmask(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
	}{
		{"1f\n", 0x1f},
		{"1c3", 0x1c3},
		{"100000000 0 0 1f", 0x1f},
		{"", 0},
		{"zz", 0},
	}
	for _, tc := range tests {
		require.Equal(t, tc.expected, ParseBitmask(tc.input), "input %q", tc.input)
	}
}

func TestHasBit(t *testing.T) {
	mask := uint64(1<<EvRel | 1<<EvSyn)
	require.True(t, HasBit(mask, EvRel))
	require.True(t, HasBit(mask, EvSyn))
	require.False(t, HasBit(mask, EvKey))
}

func TestIsSyncMarker(t *testing.T) {
	require.True(t, Event{Type: EvSyn, Code: SynReport}.IsSyncMarker())
	require.True(t, Event{Type: EvSyn, Code: 3}.IsSyncMarker())
	require.False(t, Event{Type: EvKey, Code: 0}.IsSyncMarker())
}
