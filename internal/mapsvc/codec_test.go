package mapsvc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

func TestCodecRoundTrip(t *testing.T) {
	cfg := InputMapConfig{
		{
			Sequence: KeyEventSequence{
				{{Type: evdev.EvKey, Code: 0x100, Value: 1}, {Type: evdev.EvKey, Code: 0x2c, Value: 1}},
				{{Type: evdev.EvKey, Code: 0x100, Value: 0}},
			},
			Action: MappedAction{
				Type: ActionKeySequence,
				KeySequence: KeyEventSequence{
					{{Type: evdev.EvKey, Code: 0x38, Value: 1}, {Type: evdev.EvKey, Code: 0x38, Value: 0}},
				},
			},
		},
		{
			Sequence: KeyEventSequence{{{Type: evdev.EvKey, Code: 0x101, Value: 1}}},
			Action:   MappedAction{Type: ActionCyclePresets},
		},
	}

	decoded, err := Decode(Encode(cfg))
	require.NoError(t, err)
	require.Len(t, decoded, len(cfg))
	for i := range cfg {
		require.True(t, cfg[i].Sequence.Equal(decoded[i].Sequence), "sequence %d", i)
		require.True(t, cfg[i].Action.Equal(decoded[i].Action), "action %d", i)
	}
}

func TestDecodeEmpty(t *testing.T) {
	cfg, err := Decode(Encode(nil))
	require.NoError(t, err)
	require.Empty(t, cfg)
}

func TestDecodeTruncated(t *testing.T) {
	data := Encode(InputMapConfig{
		{Sequence: KeyEventSequence{{{Type: evdev.EvKey, Code: 1, Value: 1}}}, Action: MappedAction{Type: ActionCyclePresets}},
	})
	for _, cut := range []int{1, 5, len(data) - 1} {
		_, err := Decode(data[:cut])
		require.Error(t, err, "cut at %d", cut)
	}
}

func TestDecodeUnknownAction(t *testing.T) {
	data := Encode(InputMapConfig{
		{Sequence: KeyEventSequence{{{Type: evdev.EvKey, Code: 1, Value: 1}}}, Action: MappedAction{Type: ActionCyclePresets}},
	})
	data[len(data)-1] = 0x7f
	_, err := Decode(data)
	require.Error(t, err)
}

func TestDecodeOversizedCount(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestSequenceKeyEquality(t *testing.T) {
	a := KeyEventSequence{{{Type: evdev.EvKey, Code: 0x100, Value: 1}}}
	b := KeyEventSequence{{{Type: evdev.EvKey, Code: 0x100, Value: 1}}}
	c := KeyEventSequence{{{Type: evdev.EvKey, Code: 0x100, Value: 0}}}
	require.Equal(t, sequenceKey(a), sequenceKey(b))
	require.NotEqual(t, sequenceKey(a), sequenceKey(c))
}
