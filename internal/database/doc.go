// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package database provides the DuckDB store for Sharewatch.

Tables:
  - servers: configured upstream media servers
  - users: accounts per server with their trust score
  - sessions: every playback session, live and stopped
  - rules: detection rules with JSON condition trees and actions
  - violations: persisted rule matches

Live sessions are keyed by sessions.active_key (server id plus upstream
session key) and open violations by violations.open_key (the dedup key).
Both are UNIQUE and cleared to NULL when the row leaves that state, so the
database rejects a second live row or a second open violation even when
two writers race.

Writes that must be atomic go through WithTx, which retries DuckDB
transaction conflicts:

	err := db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.InsertViolation(ctx, v, key); err != nil {
			return err
		}
		_, err := tx.ApplyTrustPenalty(ctx, v.UserID, v.Severity.Penalty())
		return err
	})
*/
package database
