// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package main is the entry point for the Sharewatch server.

Sharewatch polls Plex and Jellyfin servers for playback sessions, evaluates
account-sharing rules against each user's activity, and records violations
with a trust-score penalty. Violations and session lifecycle events are
published on an event bus and relayed to dashboard clients over websockets.

# Startup Order

 1. Configuration: koanf v2 layering of defaults, config.yaml, and environment
 2. Database: DuckDB store, seeded with the default rules on first start
 3. Cache: active-session cache and lock backend (Badger or Redis)
 4. Event bus: in-process GoChannel, or NATS (optionally embedded)
 5. Detection: media server adapters, GeoIP resolver, violation pipeline,
    poll orchestrator, and inactivity scheduler
 6. API: chi router with the admin REST endpoints and the websocket feed
 7. Supervisor: suture tree running every long-lived service

# Configuration

Common environment variables:

	PLEX_URL, PLEX_TOKEN              single Plex server shortcut
	JELLYFIN_URL, JELLYFIN_API_KEY    single Jellyfin server shortcut
	DUCKDB_PATH                       DuckDB file (default /data/sharewatch.duckdb)
	CACHE_BACKEND                     badger or redis
	REDIS_URL                         Redis address when CACHE_BACKEND=redis
	NATS_ENABLED, NATS_EMBEDDED       event bus transport
	POLL_INTERVAL                     poll cycle period (default 15s)
	HTTP_PORT                         admin API port (default 3858)

Multiple servers are configured with the servers list in config.yaml.

# Signal Handling

SIGINT and SIGTERM cancel the root context. The supervisor stops every
service within the configured shutdown timeout, then the bus, cache, and
database are closed in reverse order of creation.
*/
package main
