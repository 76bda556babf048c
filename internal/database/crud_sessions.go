// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sharewatch/internal/models"
)

const sessionColumns = `s.id, s.server_id, s.user_id, s.session_key, s.state,
	s.media_type, s.rating_key, s.title, s.grandparent_title,
	s.started_at, s.stopped_at, s.last_seen_at, s.total_duration_ms, s.progress_ms, s.duration_ms,
	s.paused_duration_ms, s.last_paused_at, s.reference_id, s.watched,
	s.ip_address, s.geo_city, s.geo_region, s.geo_country, s.geo_lat, s.geo_lon,
	s.device, s.device_id, s.platform, s.product, s.player, s.is_local,
	s.video_decision, s.is_transcode, s.source_resolution, s.stream_resolution,
	s.source_bitrate, s.stream_bitrate`

type sessionScan struct {
	s            models.Session
	state        string
	stoppedAt    sql.NullTime
	totalMs      sql.NullInt64
	lastPausedAt sql.NullTime
	referenceID  sql.NullString
	city         sql.NullString
	region       sql.NullString
	country      sql.NullString
	lat          sql.NullFloat64
	lon          sql.NullFloat64
}

func (ss *sessionScan) dest() []interface{} {
	s := &ss.s
	return []interface{}{
		&s.ID, &s.ServerID, &s.UserID, &s.SessionKey, &ss.state,
		&s.MediaType, &s.RatingKey, &s.Title, &s.GrandparentTitle,
		&s.StartedAt, &ss.stoppedAt, &s.LastSeenAt, &ss.totalMs, &s.ProgressMs, &s.DurationMs,
		&s.PausedDurationMs, &ss.lastPausedAt, &ss.referenceID, &s.Watched,
		&s.IPAddress, &ss.city, &ss.region, &ss.country, &ss.lat, &ss.lon,
		&s.Device, &s.DeviceID, &s.Platform, &s.Product, &s.Player, &s.IsLocal,
		&s.VideoDecision, &s.IsTranscode, &s.SourceResolution, &s.StreamResolution,
		&s.SourceBitrate, &s.StreamBitrate,
	}
}

func (ss *sessionScan) session() *models.Session {
	s := ss.s
	s.State = models.SessionState(ss.state)
	s.StartedAt = s.StartedAt.UTC()
	s.LastSeenAt = s.LastSeenAt.UTC()
	s.StoppedAt = timePtr(ss.stoppedAt)
	s.TotalDurationMs = int64Ptr(ss.totalMs)
	s.LastPausedAt = timePtr(ss.lastPausedAt)
	s.ReferenceID = stringPtr(ss.referenceID)
	if ss.country.Valid || ss.lat.Valid {
		s.Geo = &models.GeoLocation{
			City:    ss.city.String,
			Region:  ss.region.String,
			Country: ss.country.String,
			Lat:     ss.lat.Float64,
			Lon:     ss.lon.Float64,
		}
	}
	return &s
}

func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		var ss sessionScan
		if err := rows.Scan(ss.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, ss.session())
	}
	return out, rows.Err()
}

func geoArgs(g *models.GeoLocation) []interface{} {
	if g == nil {
		return []interface{}{nil, nil, nil, nil, nil}
	}
	return []interface{}{g.City, g.Region, g.Country, g.Lat, g.Lon}
}

// mutableArgs are the values of every column UpdateSession writes, in
// mutableSet order.
func mutableArgs(s *models.Session) []interface{} {
	args := []interface{}{
		string(s.State), s.MediaType, s.RatingKey, s.Title, s.GrandparentTitle,
		nullTime(s.StoppedAt), s.LastSeenAt.UTC(), nullInt64(s.TotalDurationMs), s.ProgressMs, s.DurationMs,
		s.PausedDurationMs, nullTime(s.LastPausedAt), nullString(s.ReferenceID), s.Watched,
		s.IPAddress,
	}
	args = append(args, geoArgs(s.Geo)...)
	return append(args,
		s.Device, s.DeviceID, s.Platform, s.Product, s.Player, s.IsLocal,
		s.VideoDecision, s.IsTranscode, s.SourceResolution, s.StreamResolution,
		s.SourceBitrate, s.StreamBitrate,
	)
}

const mutableSet = `state = ?, media_type = ?, rating_key = ?, title = ?, grandparent_title = ?,
	stopped_at = ?, last_seen_at = ?, total_duration_ms = ?, progress_ms = ?, duration_ms = ?,
	paused_duration_ms = ?, last_paused_at = ?, reference_id = ?, watched = ?,
	ip_address = ?, geo_city = ?, geo_region = ?, geo_country = ?, geo_lat = ?, geo_lon = ?,
	device = ?, device_id = ?, platform = ?, product = ?, player = ?, is_local = ?,
	video_decision = ?, is_transcode = ?, source_resolution = ?, stream_resolution = ?,
	source_bitrate = ?, stream_bitrate = ?`

// InsertSession persists a newly observed session. It returns false when a
// live row for the same server and session key already exists.
func (db *DB) InsertSession(ctx context.Context, s *models.Session) (bool, error) {
	var activeKey interface{}
	if s.IsActive() {
		activeKey = models.ActiveKey(s.ServerID, s.SessionKey)
	}

	args := []interface{}{s.ID, s.ServerID, s.UserID, s.SessionKey, activeKey, s.StartedAt.UTC()}
	args = append(args, mutableArgs(s)...)

	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, server_id, user_id, session_key, active_key, started_at,
			state, media_type, rating_key, title, grandparent_title,
			stopped_at, last_seen_at, total_duration_ms, progress_ms, duration_ms,
			paused_duration_ms, last_paused_at, reference_id, watched,
			ip_address, geo_city, geo_region, geo_country, geo_lat, geo_lon,
			device, device_id, platform, product, player, is_local,
			video_decision, is_transcode, source_resolution, stream_resolution,
			source_bitrate, stream_bitrate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (active_key) DO NOTHING`, args...)
	recordQuery("insert_session", start, err)
	if err != nil {
		if isConstraintViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateSession writes the mutable state of a live session.
func (db *DB) UpdateSession(ctx context.Context, s *models.Session) error {
	args := append(mutableArgs(s), s.ID)

	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `UPDATE sessions SET `+mutableSet+` WHERE id = ?`, args...)
	recordQuery("update_session", start, err)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.ID, err)
	}
	return nil
}

// StopSession writes the final state of a stopped session and releases its
// live slot.
func (db *DB) StopSession(ctx context.Context, s *models.Session) error {
	if s.IsActive() {
		return fmt.Errorf("session %s is not stopped", s.ID)
	}
	args := append(mutableArgs(s), s.ID)

	start := time.Now()
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sessions SET `+mutableSet+`, active_key = NULL WHERE id = ?`, args...)
	recordQuery("stop_session", start, err)
	if err != nil {
		return fmt.Errorf("failed to stop session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession returns one session or ErrNotFound.
func (db *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return db.querySession(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
}

// GetActiveSessionByKey returns the live session for (serverID, sessionKey)
// or ErrNotFound.
func (db *DB) GetActiveSessionByKey(ctx context.Context, serverID, sessionKey string) (*models.Session, error) {
	return db.querySession(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.active_key = ?`,
		models.ActiveKey(serverID, sessionKey))
}

func (db *DB) querySession(ctx context.Context, query string, args ...interface{}) (*models.Session, error) {
	var ss sessionScan
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(ss.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return ss.session(), nil
}

// FindResumeCandidate returns the most recent stopped, unwatched session of
// the user for the same item that stopped at or after since. It returns
// nil when there is none.
func (db *DB) FindResumeCandidate(ctx context.Context, userID, ratingKey string, since time.Time) (*models.Session, error) {
	s, err := db.querySession(ctx, `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.user_id = ? AND s.rating_key = ?
		  AND s.state = 'stopped' AND NOT s.watched
		  AND s.stopped_at >= ?
		ORDER BY s.stopped_at DESC
		LIMIT 1`, userID, ratingKey, since.UTC())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// RecentSessionsForUser returns the user's sessions that started at or
// after since, plus any still live, newest first.
func (db *DB) RecentSessionsForUser(ctx context.Context, userID string, since time.Time) ([]*models.Session, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.user_id = ? AND (s.started_at >= ? OR s.stopped_at IS NULL)
		ORDER BY s.started_at DESC`, userID, since.UTC())
	recordQuery("recent_sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer closeQuietly(rows)
	return scanSessions(rows)
}

// ListStaleSessions returns live sessions last seen before the cutoff.
func (db *DB) ListStaleSessions(ctx context.Context, before time.Time) ([]*models.Session, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.active_key IS NOT NULL AND s.last_seen_at < ?
		ORDER BY s.last_seen_at`, before.UTC())
	recordQuery("list_stale_sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer closeQuietly(rows)
	return scanSessions(rows)
}

// ListActiveSessions returns the live sessions of one server joined with
// display data. An empty serverID lists every server.
func (db *DB) ListActiveSessions(ctx context.Context, serverID string) ([]*models.ActiveSession, error) {
	query := `
		SELECT ` + sessionColumns + `, COALESCE(u.username, ''), COALESCE(u.thumb, ''),
			COALESCE(sv.name, ''), COALESCE(sv.type, '')
		FROM sessions s
		LEFT JOIN users u ON u.id = s.user_id
		LEFT JOIN servers sv ON sv.id = s.server_id
		WHERE s.active_key IS NOT NULL`
	var args []interface{}
	if serverID != "" {
		query += ` AND s.server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY s.started_at`

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	recordQuery("list_active_sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.ActiveSession
	for rows.Next() {
		var ss sessionScan
		var a models.ActiveSession
		dest := append(ss.dest(), &a.Username, &a.UserThumb, &a.ServerName, &a.ServerType)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan active session: %w", err)
		}
		a.Session = *ss.session()
		out = append(out, &a)
	}
	return out, rows.Err()
}
