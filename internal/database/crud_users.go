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

	"github.com/google/uuid"

	"github.com/tomtom215/sharewatch/internal/models"
)

const userColumns = `id, server_id, external_id, username, thumb, trust_score, created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.ServerID, &u.ExternalID, &u.Username, &u.Thumb, &u.TrustScore, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser resolves (serverID, externalID) to a user, creating it with the
// default trust score on first sight. Username and thumb are refreshed when
// they change; the trust score is never touched here.
func (db *DB) UpsertUser(ctx context.Context, serverID, externalID, username, thumb string) (*models.User, error) {
	u, err := db.findUser(ctx, serverID, externalID)
	switch {
	case err == nil:
		if u.Username == username && u.Thumb == thumb {
			return u, nil
		}
		if _, err := db.conn.ExecContext(ctx,
			`UPDATE users SET username = ?, thumb = ? WHERE id = ?`, username, thumb, u.ID); err != nil {
			return nil, fmt.Errorf("failed to update user %s: %w", u.ID, err)
		}
		u.Username, u.Thumb = username, thumb
		return u, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	u = &models.User{
		ID:         uuid.New().String(),
		ServerID:   serverID,
		ExternalID: externalID,
		Username:   username,
		Thumb:      thumb,
		TrustScore: models.DefaultTrustScore,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, external_id) DO NOTHING`,
		u.ID, u.ServerID, u.ExternalID, u.Username, u.Thumb, u.TrustScore, u.CreatedAt)
	if err != nil && !isConstraintViolation(err) && !isTransactionConflict(err) {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	// Re-read: a concurrent poll may have created the row first.
	return db.findUser(ctx, serverID, externalID)
}

func (db *DB) findUser(ctx context.Context, serverID, externalID string) (*models.User, error) {
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE server_id = ? AND external_id = ?`, serverID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user %s/%s: %w", serverID, externalID, err)
	}
	return u, nil
}

// GetUser returns one user or ErrNotFound.
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	return getUser(ctx, db.conn, id)
}

// GetUser reads a user inside the transaction.
func (tx *Tx) GetUser(ctx context.Context, id string) (*models.User, error) {
	return getUser(ctx, tx.tx, id)
}

func getUser(ctx context.Context, q querier, id string) (*models.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return u, nil
}

// ListUsers returns every known user.
func (db *DB) ListUsers(ctx context.Context) ([]*models.User, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	recordQuery("list_users", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer closeQuietly(rows)

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LastActivity returns the start time of the user's most recent session,
// or nil when the user has never played anything.
func (db *DB) LastActivity(ctx context.Context, userID string) (*time.Time, error) {
	var last sql.NullTime
	start := time.Now()
	err := db.conn.QueryRowContext(ctx,
		`SELECT MAX(started_at) FROM sessions WHERE user_id = ?`, userID).Scan(&last)
	recordQuery("last_activity", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query last activity for %s: %w", userID, err)
	}
	return timePtr(last), nil
}
