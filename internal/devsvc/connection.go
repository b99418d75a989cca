package devsvc

import (
	"errors"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

// inputBufferSize bounds the events of one frame held before the sync
// marker arrives. A frame exceeding it indicates a desynchronized stream.
const inputBufferSize = 12

// Connection is one open sub-device file descriptor, owned by the reactor
// goroutine. Event connections demultiplex the kernel stream into frames;
// hidraw connections only carry outgoing command reports.
type Connection struct {
	log     *zap.Logger
	fd      int
	path    string
	typ     SubDeviceType
	grabbed bool
	flags   CapFlags

	buf [inputBufferSize]evdev.Event
	pos int
}

// openEventConnection opens an event node read-only and captures it
// exclusively when grab is set. A failed grab downgrades the connection to
// observing instead of failing it.
func openEventConnection(log *zap.Logger, path string, grab bool) (*Connection, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	c := &Connection{log: log, fd: fd, path: path, typ: SubDeviceEvent}

	evBits, err := evdev.GetEventBits(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	c.flags.SyncMarker = evdev.HasBit(evBits, evdev.EvSyn)
	c.flags.AutoRepeat = evdev.HasBit(evBits, evdev.EvRep)
	if evdev.HasBit(evBits, evdev.EvRel) {
		relBits, err := evdev.GetRelBits(fd)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		c.flags.RelativeMotion = evdev.HasBit(relBits, evdev.RelX) &&
			evdev.HasBit(relBits, evdev.RelY)
	}

	if grab {
		if err := evdev.Grab(fd); err != nil {
			log.Warn("exclusive capture failed, events will also reach other readers",
				zap.String("path", path), zap.Error(err))
		} else {
			c.grabbed = true
		}
	}

	nonblock, err := evdev.SetNonblock(fd)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.flags.NonBlocking = nonblock
	return c, nil
}

// openHidrawConnection opens a raw-report node for writing commands.
func openHidrawConnection(log *zap.Logger, path string) (*Connection, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	c := &Connection{log: log, fd: fd, path: path, typ: SubDeviceHidraw}
	nonblock, err := evdev.SetNonblock(fd)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.flags.NonBlocking = nonblock
	return c, nil
}

// drain reads and demultiplexes all pending events. Complete frames are
// handed to onFrame including their sync marker; motion says whether the
// frame starts with relative x/y movement. drain reports false when the
// connection hit a terminal condition and must be torn down.
func (c *Connection) drain(onFrame func(frame []evdev.Event, motion bool), onOverflow func()) bool {
	var record [evdev.RecordSize]byte
	for {
		n, err := unix.Read(c.fd, record[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return true
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			c.log.Debug("event read failed", zap.String("path", c.path), zap.Error(err))
			return false
		}
		if n == 0 {
			return false
		}
		ev, err := evdev.DecodeRecord(record[:n])
		if err != nil {
			c.log.Debug("short event record", zap.String("path", c.path), zap.Error(err))
			return false
		}

		c.buf[c.pos] = ev
		c.pos++
		if ev.IsSyncMarker() {
			frame := c.buf[:c.pos]
			motion := frame[0].Type == evdev.EvRel &&
				(frame[0].Code == evdev.RelX || frame[0].Code == evdev.RelY)
			c.pos = 0
			onFrame(frame, motion)
		} else if c.pos >= inputBufferSize {
			c.pos = 0
			onOverflow()
		}

		// Without O_NONBLOCK a second read would stall the loop.
		if !c.flags.NonBlocking {
			return true
		}
	}
}

// discard empties the descriptor without interpreting the data. Hidraw
// notification reports are not consumed by anything, but leaving them
// queued would keep the descriptor permanently readable.
func (c *Connection) discard() bool {
	var buf [64]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return true
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false
		}
		if n == 0 {
			return false
		}
		if !c.flags.NonBlocking {
			return true
		}
	}
}

// Write sends one complete report to the device.
func (c *Connection) Write(data []byte) error {
	n, err := unix.Write(c.fd, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return os.ErrInvalid
	}
	return nil
}

// Close releases exclusive capture before closing the descriptor. The
// caller must already have unregistered the fd from the reactor.
func (c *Connection) Close() {
	if c.grabbed {
		if err := evdev.Ungrab(c.fd); err != nil {
			c.log.Debug("ungrab failed", zap.String("path", c.path), zap.Error(err))
		}
		c.grabbed = false
	}
	unix.Close(c.fd)
	c.fd = -1
}
