package mapsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

// fakeTimer captures timer interaction and lets tests fire expiry manually.
type fakeTimer struct {
	fn      func()
	running bool
	starts  int
}

func (t *fakeTimer) Start(time.Duration) { t.running = true; t.starts++ }
func (t *fakeTimer) Stop()               { t.running = false }
func (t *fakeTimer) fire() {
	t.running = false
	t.fn()
}

type recorderEnv struct {
	mapper *Mapper
	timer  *fakeTimer

	started  int
	finished []bool
	seqs     []KeyEventSequence
	recorded []KeyEvent
	matched  []MappedAction
}

func newRecorderEnv(t *testing.T, opts Options) *recorderEnv {
	t.Helper()
	env := &recorderEnv{}
	factory := func(fn func()) Timer {
		env.timer = &fakeTimer{fn: fn}
		return env.timer
	}
	hooks := Hooks{
		RecordingStarted: func() { env.started++ },
		KeyEventRecorded: func(ke KeyEvent) { env.recorded = append(env.recorded, ke) },
		RecordingFinished: func(seq KeyEventSequence, canceled bool) {
			env.finished = append(env.finished, canceled)
			env.seqs = append(env.seqs, seq)
		},
		ActionMatched: func(a MappedAction) { env.matched = append(env.matched, a) },
	}
	env.mapper = New(zap.NewNop(), factory, hooks, opts)
	return env
}

func keyFrame(code uint16, value int32) []evdev.Event {
	return []evdev.Event{
		{Type: evdev.EvKey, Code: code, Value: value},
		{Type: evdev.EvSyn, Code: evdev.SynReport},
	}
}

func gesture(codes ...uint16) []evdev.Event {
	var events []evdev.Event
	for _, c := range codes {
		events = append(events, keyFrame(c, 1)...)
	}
	return events
}

func TestRecordingLifecycle(t *testing.T) {
	env := newRecorderEnv(t, Options{})
	env.mapper.SetRecordingMode(true)
	require.True(t, env.mapper.RecordingMode())
	require.Zero(t, env.started)

	env.mapper.AddEvents(keyFrame(0x100, 1)...)
	require.Equal(t, 1, env.started)
	require.Len(t, env.recorded, 1)
	require.True(t, env.timer.running)

	env.mapper.AddEvents(keyFrame(0x100, 0)...)
	env.timer.fire()

	require.Equal(t, []bool{false}, env.finished)
	require.False(t, env.mapper.RecordingMode())
	expected := KeyEventSequence{
		{{Type: evdev.EvKey, Code: 0x100, Value: 1}},
		{{Type: evdev.EvKey, Code: 0x100, Value: 0}},
	}
	require.True(t, expected.Equal(env.seqs[0]))
}

func TestRecordingCanceled(t *testing.T) {
	env := newRecorderEnv(t, Options{})
	env.mapper.SetRecordingMode(true)
	env.mapper.AddEvents(keyFrame(0x100, 1)...)
	env.mapper.SetRecordingMode(false)
	require.Equal(t, []bool{true}, env.finished)
}

func TestRecordingDisarmBeforeFirstFrame(t *testing.T) {
	env := newRecorderEnv(t, Options{})
	env.mapper.SetRecordingMode(true)
	env.mapper.SetRecordingMode(false)
	require.Empty(t, env.finished)
	require.Zero(t, env.started)
}

func TestRecordingMaxSequenceLength(t *testing.T) {
	env := newRecorderEnv(t, Options{MaxSequenceLength: 2})
	env.mapper.SetRecordingMode(true)
	env.mapper.AddEvents(keyFrame(0x100, 1)...)
	env.mapper.AddEvents(keyFrame(0x100, 0)...)
	require.Equal(t, []bool{false}, env.finished)
	require.Len(t, env.seqs[0], 2)
}

// Feeding a gesture in one call or split at arbitrary event boundaries must
// produce identical recorded content.
func TestChunkBoundaryIndependence(t *testing.T) {
	events := gesture(0x100, 0x101, 0x102)

	var results []KeyEventSequence
	for split := 0; split <= len(events); split++ {
		env := newRecorderEnv(t, Options{})
		env.mapper.SetRecordingMode(true)
		env.mapper.AddEvents(events[:split]...)
		env.mapper.AddEvents(events[split:]...)
		env.timer.fire()
		require.Len(t, env.seqs, 1, "split at %d", split)
		results = append(results, env.seqs[0])
	}
	for i := 1; i < len(results); i++ {
		require.True(t, results[0].Equal(results[i]), "split at %d differs", i)
	}
}

func TestSingleFrameMatchInIdleState(t *testing.T) {
	env := newRecorderEnv(t, Options{})
	action := MappedAction{Type: ActionCyclePresets}
	env.mapper.SetConfiguration(InputMapConfig{
		{Sequence: KeyEventSequence{{{Type: evdev.EvKey, Code: 0x100, Value: 1}}}, Action: action},
	})

	env.mapper.AddEvents(keyFrame(0x100, 1)...)
	require.Len(t, env.matched, 1)
	require.True(t, action.Equal(env.matched[0]))
	require.Zero(t, env.started)
}

func TestMultiFrameMatch(t *testing.T) {
	env := newRecorderEnv(t, Options{})
	action := MappedAction{Type: ActionKeySequence, KeySequence: KeyEventSequence{{{Type: evdev.EvKey, Code: 0x38, Value: 1}}}}
	seq := KeyEventSequence{
		{{Type: evdev.EvKey, Code: 0x100, Value: 1}},
		{{Type: evdev.EvKey, Code: 0x100, Value: 0}},
	}
	env.mapper.SetConfiguration(InputMapConfig{{Sequence: seq, Action: action}})

	env.mapper.AddEvents(keyFrame(0x100, 1)...)
	require.Empty(t, env.matched)
	require.True(t, env.timer.running)

	env.mapper.AddEvents(keyFrame(0x100, 0)...)
	require.Len(t, env.matched, 1)
	require.False(t, env.timer.running)
}

func TestMatchTimeoutResetsPartial(t *testing.T) {
	env := newRecorderEnv(t, Options{})
	seq := KeyEventSequence{
		{{Type: evdev.EvKey, Code: 0x100, Value: 1}},
		{{Type: evdev.EvKey, Code: 0x100, Value: 0}},
	}
	env.mapper.SetConfiguration(InputMapConfig{{Sequence: seq, Action: MappedAction{Type: ActionCyclePresets}}})

	env.mapper.AddEvents(keyFrame(0x100, 1)...)
	env.timer.fire()
	env.mapper.AddEvents(keyFrame(0x100, 0)...)
	require.Empty(t, env.matched)
}

func TestBrokenCandidateRestartsMatch(t *testing.T) {
	env := newRecorderEnv(t, Options{})
	long := KeyEventSequence{
		{{Type: evdev.EvKey, Code: 0x100, Value: 1}},
		{{Type: evdev.EvKey, Code: 0x101, Value: 1}},
	}
	short := KeyEventSequence{
		{{Type: evdev.EvKey, Code: 0x102, Value: 1}},
	}
	env.mapper.SetConfiguration(InputMapConfig{
		{Sequence: long, Action: MappedAction{Type: ActionCyclePresets}},
		{Sequence: short, Action: MappedAction{Type: ActionCyclePresets}},
	})

	// First frame of the long gesture, then a frame that both breaks it and
	// matches the short gesture on its own.
	env.mapper.AddEvents(keyFrame(0x100, 1)...)
	env.mapper.AddEvents(keyFrame(0x102, 1)...)
	require.Len(t, env.matched, 1)
}

func TestResetStateIsSilent(t *testing.T) {
	env := newRecorderEnv(t, Options{})
	env.mapper.SetRecordingMode(true)
	env.mapper.AddEvents(keyFrame(0x100, 1)...)
	env.mapper.ResetState()
	require.Empty(t, env.finished)
	require.True(t, env.mapper.RecordingMode())

	// Partial frame without a sync marker is dropped too.
	env.mapper.AddEvents(evdev.Event{Type: evdev.EvKey, Code: 0x101, Value: 1})
	env.mapper.ResetState()
	env.mapper.AddEvents(keyFrame(0x102, 1)...)
	require.Len(t, env.recorded, 2)
	require.True(t, env.recorded[1].Equal(KeyEvent{{Type: evdev.EvKey, Code: 0x102, Value: 1}}))
}
