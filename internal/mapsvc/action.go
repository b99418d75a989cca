package mapsvc

// ActionType enumerates the closed set of action kinds a gesture can map to.
type ActionType uint8

const (
	// ActionKeySequence replays a native key sequence on the virtual device.
	ActionKeySequence ActionType = 1
	// ActionCyclePresets advances the application to its next preset.
	ActionCyclePresets ActionType = 2
)

// MappedAction is a tagged variant over the action kinds. Only the payload
// belonging to Type is meaningful.
type MappedAction struct {
	Type ActionType

	// KeySequence is the native key sequence to replay. Set for
	// ActionKeySequence.
	KeySequence KeyEventSequence
}

// Empty reports whether the action would do nothing when executed.
func (a MappedAction) Empty() bool {
	switch a.Type {
	case ActionKeySequence:
		return len(a.KeySequence) == 0
	case ActionCyclePresets:
		return false
	}
	return true
}

// Equal compares actions including their payloads.
func (a MappedAction) Equal(other MappedAction) bool {
	if a.Type != other.Type {
		return false
	}
	switch a.Type {
	case ActionKeySequence:
		return a.KeySequence.Equal(other.KeySequence)
	}
	return true
}
