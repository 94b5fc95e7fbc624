package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// BadgerCache persists payloads in a badger database.
type BadgerCache struct {
	db  *badger.DB
	ttl time.Duration
}

var _ PayloadCache = (*BadgerCache)(nil)

// OpenBadgerCache opens a database in dir. An empty dir keeps the database
// in memory. A zero ttl keeps entries forever.
func OpenBadgerCache(dir string, ttl time.Duration) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger cache: %w", err)
	}
	return &BadgerCache{db: db, ttl: ttl}, nil
}

// Get implements PayloadCache.
func (b *BadgerCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements PayloadCache.
func (b *BadgerCache) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// Close implements PayloadCache.
func (b *BadgerCache) Close() error {
	return b.db.Close()
}
