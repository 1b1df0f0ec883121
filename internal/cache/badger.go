package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notes-server/internal/domain"

	"github.com/dgraph-io/badger/v4"
)

// Cache is a best-effort key/value store. A miss is reported through the
// boolean, never as an error. Store failures wrap domain.ErrTransientStore.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, pattern string) (int, error)
}

type BadgerCache struct {
	db *badger.DB
}

// Open opens a badger store at dir. An empty dir keeps everything in memory.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

func NewBadgerCache(db *badger.DB) *BadgerCache {
	return &BadgerCache{db: db}
}

func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
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
		return nil, false, fmt.Errorf("cache get %s: %w: %w", key, domain.ErrTransientStore, err)
	}
	return value, true, nil
}

func (c *BadgerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("cache set %s: %w: %w", key, domain.ErrTransientStore, err)
	}
	return nil
}

func (c *BadgerCache) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(k)); err != nil {
			return fmt.Errorf("cache delete %s: %w: %w", k, domain.ErrTransientStore, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("cache flush: %w: %w", domain.ErrTransientStore, err)
	}
	return nil
}

// DeleteByPrefix removes every key matching pattern. A trailing "*" is
// treated as a prefix wildcard; any other pattern deletes the exact key.
// Keys written concurrently with the scan may survive.
func (c *BadgerCache) DeleteByPrefix(ctx context.Context, pattern string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if !strings.HasSuffix(pattern, Wildcard) {
		if err := c.Delete(ctx, pattern); err != nil {
			return 0, err
		}
		return 1, nil
	}

	prefix := []byte(strings.TrimSuffix(pattern, Wildcard))
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache scan %s: %w: %w", pattern, domain.ErrTransientStore, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("cache delete %s: %w: %w", k, domain.ErrTransientStore, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("cache flush %s: %w: %w", pattern, domain.ErrTransientStore, err)
	}
	return len(keys), nil
}
