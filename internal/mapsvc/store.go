package mapsvc

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger"
)

var storeKey = []byte("inputmap/current")

// Store persists the mapping table in the application database using the
// serialized table format.
type Store struct {
	db *badger.DB
}

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Load returns the persisted mapping table, or an empty table when none has
// been saved yet.
func (s *Store) Load() (InputMapConfig, error) {
	var cfg InputMapConfig
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cfg, err = Decode(val)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load input map: %w", err)
	}
	return cfg, nil
}

// Save replaces the persisted mapping table.
func (s *Store) Save(cfg InputMapConfig) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey, Encode(cfg))
	})
	if err != nil {
		return fmt.Errorf("failed to save input map: %w", err)
	}
	return nil
}
