// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sharewatch/internal/config"
)

// ErrCacheMiss is returned by Store.Get for an absent key.
var ErrCacheMiss = errors.New("cache miss")

// Store is the key/value and hash interface shared by the Redis and Badger
// backends. Values are opaque bytes; callers encode them.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes plain keys and whole hashes.
	Delete(ctx context.Context, keys ...string) error

	// HGet returns ErrCacheMiss for an absent field.
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// NewStore opens the configured backend.
func NewStore(ctx context.Context, cfg *config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		return NewRedisStore(ctx, cfg)
	case config.CacheBackendBadger, "":
		return NewBadgerStore(cfg.BadgerPath)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
