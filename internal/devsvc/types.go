// Package devsvc discovers supported pointer devices on the HID bus,
// manages their device-node connections and demultiplexes their input
// event streams. All device state lives on a single reactor goroutine.
package devsvc

import (
	"fmt"

	"github.com/mayanksuman/projecteur/internal/mapsvc"
)

// BusType is the transport a device is attached through.
type BusType uint16

const (
	BusUnknown BusType = iota
	BusUsb
	BusBluetooth
)

func (b BusType) String() string {
	switch b {
	case BusUsb:
		return "usb"
	case BusBluetooth:
		return "bluetooth"
	}
	return "unknown"
}

// DeviceId identifies one physical device instance. The physical path
// distinguishes two devices of the same model connected at the same time.
type DeviceId struct {
	VendorID  uint16
	ProductID uint16
	Phys      string
}

func (id DeviceId) Valid() bool {
	return id.VendorID != 0 && id.ProductID != 0
}

func (id DeviceId) String() string {
	return fmt.Sprintf("%04x:%04x@%s", id.VendorID, id.ProductID, id.Phys)
}

// Less defines a total order over device ids, lexicographic on
// (vendor, product, phys).
func (id DeviceId) Less(other DeviceId) bool {
	if id.VendorID != other.VendorID {
		return id.VendorID < other.VendorID
	}
	if id.ProductID != other.ProductID {
		return id.ProductID < other.ProductID
	}
	return id.Phys < other.Phys
}

// SupportedDevice is one allow-list entry.
type SupportedDevice struct {
	VendorID  uint16 `json:"vendorId" yaml:"vendorId"`
	ProductID uint16 `json:"productId" yaml:"productId"`
	Bluetooth bool   `json:"bluetooth" yaml:"bluetooth"`
	Name      string `json:"name" yaml:"name"`
}

// SubDeviceType classifies a kernel device node.
type SubDeviceType uint8

const (
	// SubDeviceEvent is an event-class node delivering structured input
	// events.
	SubDeviceEvent SubDeviceType = iota
	// SubDeviceHidraw is a raw-report node used for outgoing vendor
	// commands.
	SubDeviceHidraw
)

func (t SubDeviceType) String() string {
	if t == SubDeviceHidraw {
		return "hidraw"
	}
	return "event"
}

// CapFlags are the capability bits of one sub-device connection.
type CapFlags struct {
	NonBlocking    bool
	SyncMarker     bool
	AutoRepeat     bool
	RelativeMotion bool
}

// SubDeviceNode is one kernel-exposed node of a logical device.
type SubDeviceNode struct {
	Path              string
	Type              SubDeviceType
	Phys              string
	HasRelativeMotion bool
	Readable          bool
	Writable          bool

	conn *Connection
}

// Device is the consolidated view of one physical peripheral. All of its
// sub-device nodes share the same DeviceId, and all of its connections
// share one input mapper.
type Device struct {
	Name       string
	UserName   string
	ID         DeviceId
	Bus        BusType
	SubDevices []*SubDeviceNode

	mapper *mapsvc.Mapper
	hidraw *Connection
}

// DisplayName returns the allow-list name when one is defined, else the
// kernel-reported name.
func (d *Device) DisplayName() string {
	if d.UserName != "" {
		return d.UserName
	}
	return d.Name
}

func (d *Device) openEventConnections() int {
	n := 0
	for _, sub := range d.SubDevices {
		if sub.Type == SubDeviceEvent && sub.conn != nil {
			n++
		}
	}
	return n
}

// ScanResult is the outcome of one device scan. It is produced fresh on
// every scan and never persisted.
type ScanResult struct {
	Devices       []*Device
	CountReadable int
	CountWritable int
	ErrorMessages []string
}

// EventType keys the device notification bus.
type EventType uint8

const (
	EventDeviceConnected EventType = iota
	EventDeviceDisconnected
	EventSubDeviceConnected
	EventSubDeviceDisconnected
	EventPresenceChanged
	EventSpotActiveChanged
	EventRecordingModeChanged
	EventRecordingStarted
	EventKeyEventRecorded
	EventRecordingFinished
	EventActionMatched
)

// Event is one notification published by the service. Only the fields
// belonging to the event type are set.
type Event struct {
	ID   DeviceId
	Name string
	// Path of the sub-device node, for sub-device events.
	Path string
	// Present is the new presence state, for EventPresenceChanged.
	Present bool
	// SpotActive is the new spot state, for EventSpotActiveChanged.
	SpotActive bool
	// Recording is the new mode, for EventRecordingModeChanged.
	Recording bool
	// Canceled marks a recording ended by leaving recording mode, for
	// EventRecordingFinished.
	Canceled bool
	// Sequence is the finished recording, for EventRecordingFinished.
	Sequence mapsvc.KeyEventSequence
	// Recorded is one captured frame, for EventKeyEventRecorded.
	Recorded mapsvc.KeyEvent
	// Action is the matched action, for EventActionMatched.
	Action mapsvc.MappedAction
}
