// Package mapsvc implements the input mapper: it records button/key event
// sequences from a device and matches them against a configurable mapping
// table of actions.
package mapsvc

import (
	"github.com/mayanksuman/projecteur/pkg/evdev"
)

// KeyEvent is one atomic input frame: the ordered raw events a device sent
// between two synchronization markers. The marker itself is not stored.
type KeyEvent []evdev.Event

// KeyEventSequence is a complete recorded gesture.
type KeyEventSequence []KeyEvent

// Equal compares two frames on their type/code/value triples.
func (k KeyEvent) Equal(other KeyEvent) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// Equal compares two gestures frame by frame.
func (s KeyEventSequence) Equal(other KeyEventSequence) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if !s[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Mapping binds one gesture to an action.
type Mapping struct {
	Sequence KeyEventSequence
	Action   MappedAction
}

// InputMapConfig is the mapping table. Order carries no meaning; a
// duplicated sequence overwrites the earlier entry.
type InputMapConfig []Mapping
