// Package virtdev creates a synthetic input device through the Linux uinput
// interface and replays raw input events on it. The device mirrors what a
// pointer remote can produce: relative motion plus the whole key/button
// range.
package virtdev

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

// uinput ioctls and limits from linux/uinput.h.
const (
	devCreate  = 0x5501
	devDestroy = 0x5502
	setEvBit   = 0x40045564
	setKeyBit  = 0x40045565
	setRelBit  = 0x40045566

	maxNameSize = 80
	absSize     = 64

	keyMax = 0x2ff
	relMax = 0x0f
)

const defaultPath = "/dev/uinput"

type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

type userDev struct {
	Name       [maxNameSize]byte
	ID         inputID
	EffectsMax uint32
	AbsMax     [absSize]int32
	AbsMin     [absSize]int32
	AbsFuzz    [absSize]int32
	AbsFlat    [absSize]int32
}

// Device is a created uinput device. It is safe to use from a single
// goroutine.
type Device struct {
	log  *zap.Logger
	file *os.File
}

type Options struct {
	Path      string
	Name      string
	VendorID  uint16
	ProductID uint16
}

// New creates the synthetic device. The caller owns it and must Close it to
// remove the kernel device node.
func New(log *zap.Logger, opts Options) (*Device, error) {
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.Name == "" {
		opts.Name = "Projecteur Input Device"
	}
	file, err := os.OpenFile(opts.Path, os.O_WRONLY|unix.O_NONBLOCK, 0660)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", opts.Path, err)
	}
	d := &Device{log: log, file: file}
	if err := d.setup(opts); err != nil {
		file.Close()
		return nil, err
	}
	log.Info("Virtual input device created", zap.String("name", opts.Name))
	return d, nil
}

func (d *Device) setup(opts Options) error {
	fd := int(d.file.Fd())
	for _, ev := range []uint16{evdev.EvSyn, evdev.EvKey, evdev.EvRel, evdev.EvRep} {
		if err := ioctlInt(fd, setEvBit, uintptr(ev)); err != nil {
			return fmt.Errorf("failed to register event type %#x: %w", ev, err)
		}
	}
	for code := 0; code <= keyMax; code++ {
		if err := ioctlInt(fd, setKeyBit, uintptr(code)); err != nil {
			return fmt.Errorf("failed to register key code %#x: %w", code, err)
		}
	}
	for axis := 0; axis <= relMax; axis++ {
		if err := ioctlInt(fd, setRelBit, uintptr(axis)); err != nil {
			return fmt.Errorf("failed to register relative axis %#x: %w", axis, err)
		}
	}

	var dev userDev
	copy(dev.Name[:], opts.Name)
	dev.ID = inputID{
		BusType: evdev.BusUSB,
		Vendor:  opts.VendorID,
		Product: opts.ProductID,
		Version: 1,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, dev); err != nil {
		return fmt.Errorf("failed to encode device setup: %w", err)
	}
	if _, err := d.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write device setup: %w", err)
	}
	if err := ioctlInt(fd, devCreate, 0); err != nil {
		return fmt.Errorf("failed to create uinput device: %w", err)
	}
	return nil
}

// EmitEvents replays a batch of raw events, verbatim, on the synthetic
// device. The batch is expected to end with a synchronization marker.
func (d *Device) EmitEvents(events []evdev.Event) error {
	if len(events) == 0 {
		return nil
	}
	buf := make([]byte, len(events)*evdev.RecordSize)
	for i, ev := range events {
		evdev.EncodeRecord(buf[i*evdev.RecordSize:], ev)
	}
	if _, err := d.file.Write(buf); err != nil {
		return fmt.Errorf("failed to emit events: %w", err)
	}
	return nil
}

// Close destroys the kernel device and releases the descriptor.
func (d *Device) Close() error {
	if err := ioctlInt(int(d.file.Fd()), devDestroy, 0); err != nil {
		d.log.Warn("Failed to destroy uinput device", zap.Error(err))
	}
	return d.file.Close()
}

func ioctlInt(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
