// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package cache provides the shared caches and locks used by the poller and
the violation pipeline.

# Store

Store is a small key/value and hash abstraction with two implementations:

  - RedisStore (github.com/redis/go-redis/v9) for multi-instance deployments
  - BadgerStore (github.com/dgraph-io/badger/v4) embedded, on disk or in memory

# Active Sessions

ActiveSessions keeps one hash per server holding the live sessions keyed by
upstream session key. A per-server warm marker records that the hash was
rebuilt from the database after a restart; until it is set the poller
treats the cache as cold and rebuilds it.

# Locks

Locker serialises work on a key. RedisLocker uses SET NX with a random
token and a TTL, released by a token-checked Lua script. LocalLocker is an
in-process keyed mutex for single-instance deployments.

# TTL Cache

TTL is a typed in-process map with per-entry expiry. The GeoIP resolver
keeps both resolved locations and negative results in one.
*/
package cache
