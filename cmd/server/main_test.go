// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tomtom215/sharewatch/internal/cache"
	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/database"
	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/logging"
)

//nolint:gochecknoinits // quiet logs for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "console", Output: io.Discard})
}

func TestNewLockerSelectsBackend(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	redisCfg := &config.CacheConfig{Backend: config.CacheBackendRedis, RedisURL: mr.Addr(), KeyPrefix: "test", LockTTL: time.Second}
	redisStore, err := cache.NewStore(ctx, redisCfg)
	if err != nil {
		t.Fatalf("NewStore(redis): %v", err)
	}
	defer redisStore.Close()

	badgerCfg := &config.CacheConfig{Backend: config.CacheBackendBadger, KeyPrefix: "test"}
	badgerStore, err := cache.NewStore(ctx, badgerCfg)
	if err != nil {
		t.Fatalf("NewStore(badger): %v", err)
	}
	defer badgerStore.Close()

	tests := []struct {
		name  string
		store cache.Store
		cfg   *config.CacheConfig
		redis bool
	}{
		{"redis backend", redisStore, redisCfg, true},
		{"badger backend", badgerStore, badgerCfg, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker := newLocker(tt.store, tt.cfg)
			_, isRedis := locker.(*cache.RedisLocker)
			if isRedis != tt.redis {
				t.Fatalf("got %T, want redis=%v", locker, tt.redis)
			}
			unlock, err := locker.Lock(ctx, "user-1")
			if err != nil {
				t.Fatalf("Lock: %v", err)
			}
			unlock()
		})
	}
}

func TestSeedDefaultRulesOnlyOnce(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := seedDefaultRules(ctx, db); err != nil {
			t.Fatalf("seedDefaultRules run %d: %v", i, err)
		}
	}
	n, err := db.CountRules(ctx)
	if err != nil {
		t.Fatalf("CountRules: %v", err)
	}
	if want := len(detection.DefaultRules()); n != want {
		t.Errorf("rules = %d, want %d", n, want)
	}
}
