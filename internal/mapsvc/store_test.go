package mapsvc

import (
	"testing"

	"github.com/dgraph-io/badger"
	"github.com/stretchr/testify/require"

	"github.com/mayanksuman/projecteur/pkg/evdev"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	cfg, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, cfg)

	saved := InputMapConfig{{
		Sequence: KeyEventSequence{
			{{Type: evdev.EvKey, Code: 0x100, Value: 1}},
			{{Type: evdev.EvKey, Code: 0x100, Value: 0}},
		},
		Action: MappedAction{Type: ActionCyclePresets},
	}}
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.True(t, loaded[0].Sequence.Equal(saved[0].Sequence))
	require.True(t, loaded[0].Action.Equal(saved[0].Action))
}

func TestStoreSaveReplaces(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	first := InputMapConfig{{
		Sequence: KeyEventSequence{{{Type: evdev.EvKey, Code: 0x101, Value: 1}}},
		Action:   MappedAction{Type: ActionCyclePresets},
	}}
	require.NoError(t, store.Save(first))
	require.NoError(t, store.Save(nil))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, loaded)
}
