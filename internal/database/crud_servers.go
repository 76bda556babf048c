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

// UpsertServer inserts a server or refreshes its name, type, URL and
// enabled flag.
func (db *DB) UpsertServer(ctx context.Context, s *models.Server) error {
	if s.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO servers (id, name, type, url, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			url = excluded.url,
			enabled = excluded.enabled`,
		s.ID, s.Name, s.Type, s.URL, s.Enabled, s.CreatedAt.UTC())
	recordQuery("upsert_server", start, err)
	if err != nil {
		return fmt.Errorf("failed to upsert server %s: %w", s.ID, err)
	}
	return nil
}

// GetServer returns one server or ErrNotFound.
func (db *DB) GetServer(ctx context.Context, id string) (*models.Server, error) {
	var s models.Server
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, type, url, enabled, created_at FROM servers WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Type, &s.URL, &s.Enabled, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server %s: %w", id, err)
	}
	return &s, nil
}

// ListServers returns servers ordered by id.
func (db *DB) ListServers(ctx context.Context, enabledOnly bool) ([]*models.Server, error) {
	query := `SELECT id, name, type, url, enabled, created_at FROM servers`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY id`

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query)
	recordQuery("list_servers", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer closeQuietly(rows)

	var servers []*models.Server
	for rows.Next() {
		var s models.Server
		if err := rows.Scan(&s.ID, &s.Name, &s.Type, &s.URL, &s.Enabled, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, &s)
	}
	return servers, rows.Err()
}
