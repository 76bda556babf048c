// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tomtom215/sharewatch/internal/config"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), &config.CacheConfig{
		Backend:  config.CacheBackendRedis,
		RedisURL: mr.Addr(),
	})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func setupBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore("")
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func backends(t *testing.T) map[string]Store {
	redisStore, _ := setupRedisStore(t)
	return map[string]Store{
		"redis":  redisStore,
		"badger": setupBadgerStore(t),
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Ping(ctx); err != nil {
				t.Fatalf("Ping: %v", err)
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
				t.Fatalf("Get missing = %v, want ErrCacheMiss", err)
			}
			if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := store.Get(ctx, "k")
			if err != nil || string(got) != "v" {
				t.Fatalf("Get = %q, %v", got, err)
			}

			for field, val := range map[string]string{"a": "1", "b": "2"} {
				if err := store.HSet(ctx, "h", field, []byte(val)); err != nil {
					t.Fatalf("HSet: %v", err)
				}
			}
			// A hash whose name extends "h" must not bleed into it.
			if err := store.HSet(ctx, "hh", "z", []byte("9")); err != nil {
				t.Fatalf("HSet: %v", err)
			}

			all, err := store.HGetAll(ctx, "h")
			if err != nil {
				t.Fatalf("HGetAll: %v", err)
			}
			if len(all) != 2 || string(all["a"]) != "1" || string(all["b"]) != "2" {
				t.Fatalf("HGetAll = %v", all)
			}
			if v, err := store.HGet(ctx, "h", "b"); err != nil || string(v) != "2" {
				t.Errorf("HGet = %q, %v", v, err)
			}
			if _, err := store.HGet(ctx, "h", "nope"); !errors.Is(err, ErrCacheMiss) {
				t.Errorf("HGet missing = %v", err)
			}

			if err := store.HDel(ctx, "h", "a"); err != nil {
				t.Fatalf("HDel: %v", err)
			}
			all, _ = store.HGetAll(ctx, "h")
			if len(all) != 1 {
				t.Errorf("after HDel: %v", all)
			}

			if err := store.Delete(ctx, "h", "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			all, _ = store.HGetAll(ctx, "h")
			if len(all) != 0 {
				t.Errorf("hash survived Delete: %v", all)
			}
			if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
				t.Errorf("key survived Delete: %v", err)
			}
			other, _ := store.HGetAll(ctx, "hh")
			if len(other) != 1 {
				t.Errorf("unrelated hash affected: %v", other)
			}
		})
	}
}

func TestRedisStoreTTL(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "short", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "short"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected expiry, got %v", err)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	store, err := NewStore(context.Background(), &config.CacheConfig{Backend: config.CacheBackendBadger})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*BadgerStore); !ok {
		t.Errorf("expected BadgerStore, got %T", store)
	}

	if _, err := NewStore(context.Background(), &config.CacheConfig{Backend: "memcached"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestRedisOptionsParsesURL(t *testing.T) {
	opts, err := redisOptions(&config.CacheConfig{RedisURL: "redis://:secret@cache:6380/2"})
	if err != nil {
		t.Fatalf("redisOptions: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.DB != 2 || opts.Password != "secret" {
		t.Errorf("unexpected options: addr=%s db=%d", opts.Addr, opts.DB)
	}

	opts, err = redisOptions(&config.CacheConfig{RedisURL: "localhost:6379", RedisDB: 3})
	if err != nil {
		t.Fatalf("redisOptions: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 3 {
		t.Errorf("unexpected options: addr=%s db=%d", opts.Addr, opts.DB)
	}
}
