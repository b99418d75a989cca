package devsvc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

// pipeConnection backs a Connection with the read end of a pipe, so tests
// can feed it arbitrary event records.
func pipeConnection(t *testing.T) (*Connection, int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	c := &Connection{
		log:   zap.NewNop(),
		fd:    fds[0],
		path:  "pipe",
		typ:   SubDeviceEvent,
		flags: CapFlags{NonBlocking: true, SyncMarker: true, RelativeMotion: true},
	}
	return c, fds[1]
}

func writeEvents(t *testing.T, fd int, events ...evdev.Event) {
	t.Helper()
	buf := make([]byte, evdev.RecordSize*len(events))
	for i, ev := range events {
		evdev.EncodeRecord(buf[i*evdev.RecordSize:], ev)
	}
	n, err := unix.Write(fd, buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
}

type frameSink struct {
	frames    [][]evdev.Event
	motion    []bool
	overflows int
}

func (s *frameSink) onFrame(frame []evdev.Event, motion bool) {
	s.frames = append(s.frames, append([]evdev.Event(nil), frame...))
	s.motion = append(s.motion, motion)
}

func (s *frameSink) onOverflow() { s.overflows++ }

func TestDrainDeliversFrames(t *testing.T) {
	c, wfd := pipeConnection(t)
	var sink frameSink

	writeEvents(t, wfd,
		evdev.Event{Type: evdev.EvKey, Code: 0x100, Value: 1},
		evdev.Event{Type: evdev.EvSyn, Code: evdev.SynReport},
		evdev.Event{Type: evdev.EvRel, Code: evdev.RelX, Value: -3},
		evdev.Event{Type: evdev.EvRel, Code: evdev.RelY, Value: 2},
		evdev.Event{Type: evdev.EvSyn, Code: evdev.SynReport},
	)
	require.True(t, c.drain(sink.onFrame, sink.onOverflow))

	require.Len(t, sink.frames, 2)
	require.Equal(t, []bool{false, true}, sink.motion)
	// Frames keep their terminating sync marker.
	require.Len(t, sink.frames[0], 2)
	require.True(t, sink.frames[0][1].IsSyncMarker())
	require.Len(t, sink.frames[1], 3)
}

func TestDrainFrameSplitAcrossReads(t *testing.T) {
	c, wfd := pipeConnection(t)
	var sink frameSink

	writeEvents(t, wfd, evdev.Event{Type: evdev.EvKey, Code: 0x101, Value: 1})
	require.True(t, c.drain(sink.onFrame, sink.onOverflow))
	require.Empty(t, sink.frames)

	writeEvents(t, wfd, evdev.Event{Type: evdev.EvSyn, Code: evdev.SynReport})
	require.True(t, c.drain(sink.onFrame, sink.onOverflow))
	require.Len(t, sink.frames, 1)
	require.Len(t, sink.frames[0], 2)
}

func TestDrainOverflowResetsFrame(t *testing.T) {
	c, wfd := pipeConnection(t)
	var sink frameSink

	for i := 0; i < inputBufferSize; i++ {
		writeEvents(t, wfd, evdev.Event{Type: evdev.EvKey, Code: uint16(0x100 + i), Value: 1})
	}
	require.True(t, c.drain(sink.onFrame, sink.onOverflow))
	require.Equal(t, 1, sink.overflows)
	require.Empty(t, sink.frames)

	writeEvents(t, wfd,
		evdev.Event{Type: evdev.EvKey, Code: 0x100, Value: 0},
		evdev.Event{Type: evdev.EvSyn, Code: evdev.SynReport},
	)
	require.True(t, c.drain(sink.onFrame, sink.onOverflow))
	require.Len(t, sink.frames, 1)
	require.Len(t, sink.frames[0], 2)
}

func TestDrainEndOfStream(t *testing.T) {
	c, wfd := pipeConnection(t)
	var sink frameSink

	require.NoError(t, unix.Close(wfd))
	require.False(t, c.drain(sink.onFrame, sink.onOverflow))
}
