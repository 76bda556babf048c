// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package database

import (
	"context"
	"fmt"

	"github.com/tomtom215/sharewatch/internal/logging"
)

// Uniqueness carries two invariants:
//   - sessions.active_key holds serverID:sessionKey while the session is live
//     and NULL once stopped, so one live row exists per upstream session.
//   - violations.open_key holds the dedup key while the violation is
//     unacknowledged and NULL afterwards.
//
// Both columns are only ever changed to NULL by a dedicated statement; DuckDB
// rewrites updates of indexed columns as delete+insert.
var schemaQueries = []string{
	`CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		thumb TEXT NOT NULL DEFAULT '',
		trust_score INTEGER NOT NULL DEFAULT 100,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (server_id, external_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		active_key TEXT UNIQUE,
		state TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		rating_key TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		grandparent_title TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP,
		last_seen_at TIMESTAMP NOT NULL,
		total_duration_ms BIGINT,
		progress_ms BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		paused_duration_ms BIGINT NOT NULL DEFAULT 0,
		last_paused_at TIMESTAMP,
		reference_id TEXT,
		watched BOOLEAN NOT NULL DEFAULT false,
		ip_address TEXT NOT NULL DEFAULT '',
		geo_city TEXT,
		geo_region TEXT,
		geo_country TEXT,
		geo_lat DOUBLE,
		geo_lon DOUBLE,
		device TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		product TEXT NOT NULL DEFAULT '',
		player TEXT NOT NULL DEFAULT '',
		is_local BOOLEAN NOT NULL DEFAULT false,
		video_decision TEXT NOT NULL DEFAULT '',
		is_transcode BOOLEAN NOT NULL DEFAULT false,
		source_resolution TEXT NOT NULL DEFAULT '',
		stream_resolution TEXT NOT NULL DEFAULT '',
		source_bitrate INTEGER NOT NULL DEFAULT 0,
		stream_bitrate INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		user_id TEXT,
		is_active BOOLEAN NOT NULL DEFAULT true,
		conditions TEXT NOT NULL,
		actions TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT,
		severity TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		open_key TEXT UNIQUE,
		acknowledged_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_user_started ON sessions(user_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_rating ON sessions(user_id, rating_key)`,
	`CREATE INDEX IF NOT EXISTS idx_violations_user ON violations(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_violations_created ON violations(created_at)`,
}

func (db *DB) createTables(ctx context.Context) error {
	for _, query := range schemaQueries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	if _, err := db.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after schema initialization")
	}
	return nil
}
