package mapsvc

import (
	"time"

	"go.uber.org/zap"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

// Timer is a restartable single-shot timer. Start on a running timer
// restarts it. Implementations must deliver the callback on the same
// goroutine that drives the mapper, so the mapper never needs locks.
type Timer interface {
	Start(d time.Duration)
	Stop()
}

// TimerFactory creates a Timer that invokes fn on expiry.
type TimerFactory func(fn func()) Timer

// Hooks receive mapper notifications. Nil hooks are skipped. The mapper
// only signals; it never executes actions itself.
type Hooks struct {
	RecordingModeChanged func(recording bool)
	RecordingStarted     func()
	KeyEventRecorded     func(ke KeyEvent)
	RecordingFinished    func(seq KeyEventSequence, canceled bool)
	ActionMatched        func(action MappedAction)
}

var defaultOptions = Options{
	KeyEventInterval:  250 * time.Millisecond,
	MaxSequenceLength: 8,
}

type Options struct {
	// KeyEventInterval bounds the gap between two frames of one gesture,
	// both while recording and while matching.
	KeyEventInterval time.Duration
	// MaxSequenceLength ends a recording normally once reached.
	MaxSequenceLength int
}

func (o Options) withDefaults() Options {
	if o.KeyEventInterval <= 0 {
		o.KeyEventInterval = defaultOptions.KeyEventInterval
	}
	if o.MaxSequenceLength <= 0 {
		o.MaxSequenceLength = defaultOptions.MaxSequenceLength
	}
	return o
}

// Mapper accumulates raw events into key event sequences. One mapper is
// shared by every sub-device connection of a logical device; all calls must
// come from the single goroutine that owns that device.
type Mapper struct {
	log   *zap.Logger
	hooks Hooks
	opts  Options
	timer Timer

	recording bool
	started   bool

	frame    KeyEvent
	recorded KeyEventSequence
	partial  KeyEventSequence

	config   InputMapConfig
	actions  map[string]MappedAction
	prefixes map[string]struct{}
}

func New(log *zap.Logger, timers TimerFactory, hooks Hooks, opts Options) *Mapper {
	m := &Mapper{
		log:   log,
		hooks: hooks,
		opts:  opts.withDefaults(),
	}
	m.timer = timers(m.onTimeout)
	m.SetConfiguration(nil)
	return m
}

// SetOptions replaces the timing options. A running timer keeps its old
// deadline; the new interval applies from the next restart.
func (m *Mapper) SetOptions(opts Options) {
	m.opts = opts.withDefaults()
}

// SetConfiguration replaces the mapping table and drops any in-progress
// match state.
func (m *Mapper) SetConfiguration(cfg InputMapConfig) {
	m.config = cfg
	m.actions = make(map[string]MappedAction, len(cfg))
	m.prefixes = make(map[string]struct{})
	for _, mapping := range cfg {
		if len(mapping.Sequence) == 0 || mapping.Action.Empty() {
			continue
		}
		m.actions[sequenceKey(mapping.Sequence)] = mapping.Action
		for i := 1; i < len(mapping.Sequence); i++ {
			m.prefixes[sequenceKey(mapping.Sequence[:i])] = struct{}{}
		}
	}
	m.clearPartial()
}

// Configuration returns the current mapping table.
func (m *Mapper) Configuration() InputMapConfig {
	return m.config
}

// RecordingMode reports whether gesture capture is armed or running.
func (m *Mapper) RecordingMode() bool {
	return m.recording
}

// SetRecordingMode arms capture of the next gesture, or ends a running
// capture as canceled.
func (m *Mapper) SetRecordingMode(recording bool) {
	if recording == m.recording {
		return
	}
	if recording {
		m.recording = true
		m.started = false
		m.recorded = nil
		m.clearPartial()
		m.notifyModeChanged(true)
		return
	}
	if m.started {
		m.finishRecording(true)
		return
	}
	m.recording = false
	m.notifyModeChanged(false)
}

// AddEvents feeds raw events into the mapper. The run may be split at any
// boundary; frames are delimited by the synchronization markers contained
// in the stream, so N incremental calls behave exactly like one large call.
func (m *Mapper) AddEvents(events ...evdev.Event) {
	for _, ev := range events {
		if !ev.IsSyncMarker() {
			m.frame = append(m.frame, ev)
			continue
		}
		if len(m.frame) == 0 {
			continue
		}
		frame := m.frame
		m.frame = nil
		m.handleFrame(frame)
	}
}

// ResetState drops any partially accumulated frame or sequence without
// emitting notifications. Used to recover from a corrupted event stream.
func (m *Mapper) ResetState() {
	m.frame = nil
	m.recorded = nil
	m.started = false
	m.clearPartial()
}

func (m *Mapper) handleFrame(frame KeyEvent) {
	if m.recording {
		m.recordFrame(frame)
		return
	}
	m.matchFrame(frame)
}

func (m *Mapper) recordFrame(frame KeyEvent) {
	if !m.started {
		m.started = true
		if m.hooks.RecordingStarted != nil {
			m.hooks.RecordingStarted()
		}
	}
	m.recorded = append(m.recorded, frame)
	if m.hooks.KeyEventRecorded != nil {
		m.hooks.KeyEventRecorded(frame)
	}
	if len(m.recorded) >= m.opts.MaxSequenceLength {
		m.finishRecording(false)
		return
	}
	m.timer.Start(m.opts.KeyEventInterval)
}

func (m *Mapper) matchFrame(frame KeyEvent) {
	m.partial = append(m.partial, frame)
	key := sequenceKey(m.partial)
	if action, ok := m.actions[key]; ok {
		m.log.Debug("Gesture matched", zap.Int("frames", len(m.partial)))
		m.clearPartial()
		if m.hooks.ActionMatched != nil {
			m.hooks.ActionMatched(action)
		}
		return
	}
	if _, ok := m.prefixes[key]; ok {
		m.timer.Start(m.opts.KeyEventInterval)
		return
	}
	restart := len(m.partial) > 1
	m.clearPartial()
	if restart {
		// The frame that broke the longer candidate may start a new one.
		m.matchFrame(frame)
	}
}

func (m *Mapper) finishRecording(canceled bool) {
	m.timer.Stop()
	seq := m.recorded
	m.recorded = nil
	m.recording = false
	m.started = false
	if m.hooks.RecordingFinished != nil {
		m.hooks.RecordingFinished(seq, canceled)
	}
	m.notifyModeChanged(false)
}

func (m *Mapper) onTimeout() {
	if m.recording {
		if m.started {
			m.finishRecording(false)
		}
		return
	}
	m.partial = nil
}

func (m *Mapper) clearPartial() {
	m.partial = nil
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *Mapper) notifyModeChanged(recording bool) {
	if m.hooks.RecordingModeChanged != nil {
		m.hooks.RecordingModeChanged(recording)
	}
}
