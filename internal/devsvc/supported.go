package devsvc

// Devices supported out of the box.
var supportedDefaultDevices = []SupportedDevice{
	{VendorID: 0x46d, ProductID: 0xc53e, Bluetooth: false, Name: "Logitech Spotlight (USB)"},
	{VendorID: 0x46d, ProductID: 0xb503, Bluetooth: true, Name: "Logitech Spotlight (Bluetooth)"},
}

// extraSupportedDevices can be populated at build time for vendor builds
// that bundle additional device ids.
var extraSupportedDevices []SupportedDevice

func findSupported(list []SupportedDevice, vendorID, productID uint16) *SupportedDevice {
	for i := range list {
		if list[i].VendorID == vendorID && list[i].ProductID == productID {
			return &list[i]
		}
	}
	return nil
}

// isDeviceSupported checks the built-in list, the compiled-in extra list
// and the caller-supplied additional list.
func isDeviceSupported(vendorID, productID uint16, additional []SupportedDevice) bool {
	return findSupported(supportedDefaultDevices, vendorID, productID) != nil ||
		findSupported(extraSupportedDevices, vendorID, productID) != nil ||
		findSupported(additional, vendorID, productID) != nil
}

// userDeviceName returns the display name defined for the id in any of the
// supported device lists, or the empty string.
func userDeviceName(vendorID, productID uint16, additional []SupportedDevice) string {
	for _, list := range [][]SupportedDevice{supportedDefaultDevices, extraSupportedDevices, additional} {
		if dev := findSupported(list, vendorID, productID); dev != nil && dev.Name != "" {
			return dev.Name
		}
	}
	return ""
}
