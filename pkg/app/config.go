package app

import (
	"time"

	"github.com/mayanksuman/projecteur/internal/devsvc"
)

// Config points to the data directory and the user-driven configuration
// file. Only the settings file is live-reloaded.
type Config struct {
	DataDir        string `json:"dataDir"`
	SettingsConfig string `json:"settingsConfig"`
	DisableUinput  bool   `json:"disableUinput"`
}

// Settings is the schema of the settings file. Zero values fall back to
// the built-in defaults.
type Settings struct {
	SpotTimeoutMs      int                      `json:"spotTimeoutMs"`
	HotplugDebounceMs  int                      `json:"hotplugDebounceMs"`
	KeyEventIntervalMs int                      `json:"keyEventIntervalMs"`
	MaxSequenceLength  int                      `json:"maxSequenceLength"`
	Devices            []devsvc.SupportedDevice `json:"devices"`
}

func (s Settings) runtime() devsvc.Settings {
	return devsvc.Settings{
		SpotTimeout:       time.Duration(s.SpotTimeoutMs) * time.Millisecond,
		HotplugDebounce:   time.Duration(s.HotplugDebounceMs) * time.Millisecond,
		KeyEventInterval:  time.Duration(s.KeyEventIntervalMs) * time.Millisecond,
		MaxSequenceLength: s.MaxSequenceLength,
		AdditionalDevices: s.Devices,
	}
}
