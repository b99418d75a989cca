// Package evdev provides the event codec, event-type constants and the
// small set of ioctl queries needed to work with Linux input character
// devices.
package evdev

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Event is a single hardware input record. It is the kernel input_event
// struct without its leading timestamp, which carries no information the
// application needs.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

func (e Event) String() string {
	return fmt.Sprintf("%04x:%04x:%d", e.Type, e.Code, e.Value)
}

// Event type codes from linux/input-event-codes.h.
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01
	EvRel uint16 = 0x02
	EvAbs uint16 = 0x03
	EvRep uint16 = 0x14
)

// Relative axis codes.
const (
	RelX uint16 = 0x00
	RelY uint16 = 0x01
)

// Synchronization codes.
const (
	SynReport uint16 = 0x00
)

// Bus types from linux/input.h.
const (
	BusUSB       uint16 = 0x03
	BusBluetooth uint16 = 0x05
)

// RecordSize is the size of one input_event record on the wire: a 16-byte
// timeval followed by type, code and value. 64-bit time_t is assumed, which
// holds for every platform this package targets.
const RecordSize = 24

// IsSyncMarker reports whether the event terminates an input frame. Any
// EV_SYN event terminates the frame, SYN_DROPPED included.
func (e Event) IsSyncMarker() bool {
	return e.Type == EvSyn
}

// DecodeRecord parses one kernel input_event record, discarding the
// timestamp. Records use native byte order.
func DecodeRecord(buf []byte) (Event, error) {
	if len(buf) < RecordSize {
		return Event{}, fmt.Errorf("short input record: %d bytes", len(buf))
	}
	return Event{
		Type:  binary.NativeEndian.Uint16(buf[16:18]),
		Code:  binary.NativeEndian.Uint16(buf[18:20]),
		Value: int32(binary.NativeEndian.Uint32(buf[20:24])),
	}, nil
}

// EncodeRecord writes the event as a kernel input_event record with a zeroed
// timestamp into buf, which must hold at least RecordSize bytes.
func EncodeRecord(buf []byte, e Event) {
	for i := 0; i < 16; i++ {
		buf[i] = 0
	}
	binary.NativeEndian.PutUint16(buf[16:18], e.Type)
	binary.NativeEndian.PutUint16(buf[18:20], e.Code)
	binary.NativeEndian.PutUint32(buf[20:24], uint32(e.Value))
}

// ParseBitmask parses the content of a sysfs capability file such as
// capabilities/ev or capabilities/rel. The file holds whitespace-separated
// hex words, most significant first; only the low word matters for the
// event types and axes this application inspects.
func ParseBitmask(text string) uint64 {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	var mask uint64
	_, err := fmt.Sscanf(fields[len(fields)-1], "%x", &mask)
	if err != nil {
		return 0
	}
	return mask
}

// HasBit reports whether bit n is set in mask.
func HasBit(mask uint64, n uint16) bool {
	return mask&(1<<uint64(n)) != 0
}
