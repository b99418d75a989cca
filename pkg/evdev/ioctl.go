package evdev

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux _IOC request encoding.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite uintptr = 1
	iocRead  uintptr = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// eviocgBit builds EVIOCGBIT(ev, size): read the capability bitmask for one
// event type (or the global type mask when ev is 0).
func eviocgBit(ev uint16, size uintptr) uintptr {
	return ioc(iocRead, 'E', uintptr(0x20+ev), size)
}

// eviocGrab is EVIOCGRAB from linux/input.h (0x40044590).
var eviocGrab = ioc(iocWrite, 'E', 0x90, 4)

var sysIoctl = func(fd, req, arg uintptr) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	return errno
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	if errno := sysIoctl(uintptr(fd), req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// ioctlInt issues an ioctl whose third argument is an immediate value
// rather than a pointer.
func ioctlInt(fd int, req uintptr, val int) error {
	if errno := sysIoctl(uintptr(fd), req, uintptr(val)); errno != 0 {
		return errno
	}
	return nil
}

// GetEventBits queries the bitmask of event types the device supports.
func GetEventBits(fd int) (uint64, error) {
	var mask uint64
	if err := ioctlPtr(fd, eviocgBit(0, unsafe.Sizeof(mask)), unsafe.Pointer(&mask)); err != nil {
		return 0, fmt.Errorf("EVIOCGBIT: %w", err)
	}
	return mask, nil
}

// GetRelBits queries the bitmask of relative axes the device supports.
func GetRelBits(fd int) (uint64, error) {
	var mask uint64
	if err := ioctlPtr(fd, eviocgBit(EvRel, unsafe.Sizeof(mask)), unsafe.Pointer(&mask)); err != nil {
		return 0, fmt.Errorf("EVIOCGBIT(EV_REL): %w", err)
	}
	return mask, nil
}

// Grab requests exclusive capture of the device. While grabbed, the kernel
// delivers the device's events only to this descriptor. EVIOCGRAB takes its
// argument by value: any non-zero grabs, zero releases.
func Grab(fd int) error {
	if err := ioctlInt(fd, eviocGrab, 1); err != nil {
		return fmt.Errorf("EVIOCGRAB(1): %w", err)
	}
	return nil
}

// Ungrab releases exclusive capture.
func Ungrab(fd int) error {
	if err := ioctlInt(fd, eviocGrab, 0); err != nil {
		return fmt.Errorf("EVIOCGRAB(0): %w", err)
	}
	return nil
}

// SetNonblock puts the descriptor into non-blocking mode and reports whether
// the flag actually took effect.
func SetNonblock(fd int) (bool, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return false, err
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}
