package devsvc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

const (
	defaultSysRoot = "/sys/bus/hid/devices"
	defaultDevRoot = "/dev"
)

// Scanner enumerates supported devices from the HID device tree. The roots
// are configurable so scans can run against fixture trees.
type Scanner struct {
	SysRoot string
	DevRoot string
}

func NewScanner() Scanner {
	return Scanner{SysRoot: defaultSysRoot, DevRoot: defaultDevRoot}
}

// Scan walks the HID device tree, filters by the supported-device lists and
// consolidates the nodes of each physical device into one logical Device.
// Scan never fails: problems are collected as messages on the result.
func (s Scanner) Scan(additional []SupportedDevice) ScanResult {
	var result ScanResult

	info, err := os.Stat(s.SysRoot)
	if err != nil || !info.IsDir() {
		result.ErrorMessages = append(result.ErrorMessages,
			fmt.Sprintf("HID device path '%s' does not exist.", s.SysRoot))
		return result
	}
	entries, err := os.ReadDir(s.SysRoot)
	if err != nil {
		result.ErrorMessages = append(result.ErrorMessages,
			fmt.Sprintf("HID device path '%s': cannot list files.", s.SysRoot))
		return result
	}

	for _, entry := range entries {
		hidDir := filepath.Join(s.SysRoot, entry.Name())
		dev, ok := deviceFromUeventFile(filepath.Join(hidDir, "uevent"))
		if !ok || !dev.ID.Valid() {
			continue
		}
		if !isDeviceSupported(dev.ID.VendorID, dev.ID.ProductID, additional) {
			continue
		}

		// Another interface directory of an already-seen device appends its
		// sub-device nodes to the existing entry.
		root := findDevice(result.Devices, dev.ID)
		if root == nil {
			dev.UserName = userDeviceName(dev.ID.VendorID, dev.ID.ProductID, additional)
			result.Devices = append(result.Devices, dev)
			root = dev
		}

		inputDir := filepath.Join(hidDir, "input")
		if dirExists(inputDir) {
			s.scanInputSubtree(root, inputDir)
		} else if hidrawDir := filepath.Join(hidDir, "hidraw"); dirExists(hidrawDir) {
			s.scanHidrawSubtree(root, hidrawDir)
		}
	}

	for _, dev := range result.Devices {
		allReadable, allWritable := true, true
		for _, sub := range dev.SubDevices {
			if sub.Path == "" {
				continue
			}
			allReadable = allReadable && sub.Readable
			allWritable = allWritable && sub.Writable
		}
		if allReadable {
			result.CountReadable++
		}
		if allWritable {
			result.CountWritable++
		}
	}

	return result
}

func (s Scanner) scanInputSubtree(root *Device, inputDir string) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		dir := filepath.Join(inputDir, entry.Name())
		if readHexUint16(filepath.Join(dir, "id/vendor")) != root.ID.VendorID ||
			readHexUint16(filepath.Join(dir, "id/product")) != root.ID.ProductID {
			break
		}

		sub := &SubDeviceNode{Type: SubDeviceEvent}
		eventEntries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, eventEntry := range eventEntries {
			if !strings.HasPrefix(eventEntry.Name(), "event") {
				continue
			}
			devName := readUeventProperty(filepath.Join(dir, eventEntry.Name(), "uevent"), "DEVNAME")
			if devName != "" {
				sub.Path = filepath.Join(s.DevRoot, devName)
				break
			}
		}
		if sub.Path == "" {
			continue
		}
		sub.Phys = readTrimmedFile(filepath.Join(dir, "phys"))

		evMask := evdev.ParseBitmask(readTrimmedFile(filepath.Join(dir, "capabilities/ev")))
		relMask := evdev.ParseBitmask(readTrimmedFile(filepath.Join(dir, "capabilities/rel")))
		sub.HasRelativeMotion = evdev.HasBit(evMask, evdev.EvRel) &&
			evdev.HasBit(relMask, evdev.RelX) && evdev.HasBit(relMask, evdev.RelY)

		sub.Readable = accessOK(sub.Path, unix.R_OK)
		sub.Writable = accessOK(sub.Path, unix.W_OK)
		root.SubDevices = append(root.SubDevices, sub)
	}
}

func (s Scanner) scanHidrawSubtree(root *Device, hidrawDir string) {
	entries, err := os.ReadDir(hidrawDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "hidraw") {
			continue
		}
		devName := readUeventProperty(filepath.Join(hidrawDir, entry.Name(), "uevent"), "DEVNAME")
		if devName == "" {
			continue
		}
		path := filepath.Join(s.DevRoot, devName)
		root.SubDevices = append(root.SubDevices, &SubDeviceNode{
			Type:     SubDeviceHidraw,
			Path:     path,
			Readable: accessOK(path, unix.R_OK),
			Writable: accessOK(path, unix.W_OK),
		})
	}
}

func findDevice(devices []*Device, id DeviceId) *Device {
	for _, dev := range devices {
		if dev.ID == id {
			return dev
		}
	}
	return nil
}

// deviceFromUeventFile extracts bus type, ids, name and physical path from
// a HID uevent attribute file. HID_ID has the form bus:vendor:product in
// hex; HID_PHYS is truncated at the first '/' so sibling interfaces of one
// physical device agree on it.
func deviceFromUeventFile(path string) (*Device, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	dev := &Device{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		switch key {
		case "HID_ID":
			parts := strings.Split(value, ":")
			if len(parts) > 0 {
				switch uint16(parseHex(parts[0])) {
				case evdev.BusUSB:
					dev.Bus = BusUsb
				case evdev.BusBluetooth:
					dev.Bus = BusBluetooth
				}
			}
			if len(parts) > 1 {
				dev.ID.VendorID = uint16(parseHex(parts[1]))
			}
			if len(parts) > 2 {
				dev.ID.ProductID = uint16(parseHex(parts[2]))
			}
		case "HID_NAME":
			dev.Name = value
		case "HID_PHYS":
			dev.ID.Phys, _, _ = strings.Cut(value, "/")
		}
	}
	return dev, true
}

// readUeventProperty returns the value of one KEY=value line.
func readUeventProperty(path, property string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if found && key == property {
			return value
		}
	}
	return ""
}

func readTrimmedFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readHexUint16(path string) uint16 {
	return uint16(parseHex(readTrimmedFile(path)))
}

func parseHex(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return 0
	}
	return v
}

func accessOK(path string, mode uint32) bool {
	return unix.Access(path, mode) == nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
