package mapsvc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

// Serialized mapping table layout: a length-prefixed list of
// (sequence, action) pairs. A sequence is a length-prefixed list of key
// events, a key event a length-prefixed list of (type, code, value)
// triples. Counts are big-endian uint32, the action tag a single byte
// followed by its kind-specific payload.

// maxCount bounds every decoded length prefix so a corrupt table cannot
// drive allocations.
const maxCount = 1 << 16

// Encode serializes the mapping table.
func Encode(cfg InputMapConfig) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(cfg)))
	for _, m := range cfg {
		encodeSequence(&buf, m.Sequence)
		encodeAction(&buf, m.Action)
	}
	return buf.Bytes()
}

func encodeSequence(buf *bytes.Buffer, seq KeyEventSequence) {
	writeUint32(buf, uint32(len(seq)))
	for _, ke := range seq {
		writeUint32(buf, uint32(len(ke)))
		for _, ev := range ke {
			binary.Write(buf, binary.BigEndian, ev.Type)
			binary.Write(buf, binary.BigEndian, ev.Code)
			binary.Write(buf, binary.BigEndian, ev.Value)
		}
	}
}

func encodeAction(buf *bytes.Buffer, a MappedAction) {
	buf.WriteByte(byte(a.Type))
	switch a.Type {
	case ActionKeySequence:
		encodeSequence(buf, a.KeySequence)
	case ActionCyclePresets:
	}
}

// Decode parses a serialized mapping table.
func Decode(data []byte) (InputMapConfig, error) {
	r := bytes.NewReader(data)
	count, err := readCount(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read table size: %w", err)
	}
	cfg := make(InputMapConfig, 0, count)
	for i := uint32(0); i < count; i++ {
		seq, err := decodeSequence(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode sequence %d: %w", i, err)
		}
		action, err := decodeAction(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode action %d: %w", i, err)
		}
		cfg = append(cfg, Mapping{Sequence: seq, Action: action})
	}
	return cfg, nil
}

func decodeSequence(r *bytes.Reader) (KeyEventSequence, error) {
	count, err := readCount(r)
	if err != nil {
		return nil, err
	}
	seq := make(KeyEventSequence, 0, count)
	for i := uint32(0); i < count; i++ {
		numEvents, err := readCount(r)
		if err != nil {
			return nil, err
		}
		ke := make(KeyEvent, 0, numEvents)
		for j := uint32(0); j < numEvents; j++ {
			var ev evdev.Event
			if err := binary.Read(r, binary.BigEndian, &ev.Type); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &ev.Code); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &ev.Value); err != nil {
				return nil, err
			}
			ke = append(ke, ev)
		}
		seq = append(seq, ke)
	}
	return seq, nil
}

func decodeAction(r *bytes.Reader) (MappedAction, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return MappedAction{}, err
	}
	action := MappedAction{Type: ActionType(tag)}
	switch action.Type {
	case ActionKeySequence:
		seq, err := decodeSequence(r)
		if err != nil {
			return MappedAction{}, err
		}
		action.KeySequence = seq
	case ActionCyclePresets:
	default:
		return MappedAction{}, fmt.Errorf("unknown action type: %d", tag)
	}
	return action, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	binary.Write(buf, binary.BigEndian, v)
}

func readCount(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	if v > maxCount {
		return 0, fmt.Errorf("length prefix %d exceeds limit: %w", v, io.ErrUnexpectedEOF)
	}
	return v, nil
}

// sequenceKey builds the lookup key used to match gestures. Two sequences
// share a key exactly when they compare Equal.
func sequenceKey(seq KeyEventSequence) string {
	var buf bytes.Buffer
	encodeSequence(&buf, seq)
	return buf.String()
}
