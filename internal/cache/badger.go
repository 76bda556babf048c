// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage
const (
	badgerKVPrefix   = "kv:"
	badgerHashPrefix = "h:"
)

// BadgerStore implements Store on an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens BadgerDB at path, or in memory when path is empty.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Suppress BadgerDB logs

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for cache: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func hashFieldKey(key, field string) []byte {
	return []byte(badgerHashPrefix + key + "\x00" + field)
}

func hashPrefix(key string) []byte {
	return []byte(badgerHashPrefix + key + "\x00")
}

func (b *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKVPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (b *BadgerStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(badgerKVPrefix+key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *BadgerStore) Delete(_ context.Context, keys ...string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(badgerKVPrefix + key)); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			fields, err := collectKeys(txn, hashPrefix(key))
			if err != nil {
				return err
			}
			for _, k := range fields {
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("delete hash field: %w", err)
				}
			}
		}
		return nil
	})
}

func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func (b *BadgerStore) HGet(_ context.Context, key, field string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashFieldKey(key, field))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return fmt.Errorf("hget %s: %w", field, err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (b *BadgerStore) HSet(_ context.Context, key, field string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(hashFieldKey(key, field), value)
	})
}

func (b *BadgerStore) HDel(_ context.Context, key string, fields ...string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, f := range fields {
			if err := txn.Delete(hashFieldKey(key, f)); err != nil {
				return fmt.Errorf("hdel %s: %w", f, err)
			}
		}
		return nil
	})
}

func (b *BadgerStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := hashPrefix(key)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			field := strings.TrimPrefix(string(item.Key()), string(prefix))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read hash field %s: %w", field, err)
			}
			out[field] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger db is closed")
	}
	return nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
