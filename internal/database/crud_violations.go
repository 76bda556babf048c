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

// ErrDuplicateViolation is returned by Tx.InsertViolation when an
// unacknowledged violation with the same dedup key already exists. The
// transaction must be rolled back.
var ErrDuplicateViolation = errors.New("duplicate open violation")

// HasOpenViolation reports whether an unacknowledged violation exists for
// the dedup key.
func (tx *Tx) HasOpenViolation(ctx context.Context, dedupKey string) (bool, error) {
	var n int
	err := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM violations WHERE open_key = ?`, dedupKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check open violation: %w", err)
	}
	return n > 0, nil
}

// InsertViolation stores v under dedupKey. The unique open_key column makes
// the insert itself the final dedup check.
func (tx *Tx) InsertViolation(ctx context.Context, v *models.Violation, dedupKey string) error {
	data := string(v.Data)
	if data == "" {
		data = "{}"
	}

	start := time.Now()
	var id string
	err := tx.tx.QueryRowContext(ctx, `
		INSERT INTO violations (id, rule_id, user_id, session_id, severity, data, open_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (open_key) DO NOTHING
		RETURNING id`,
		v.ID, v.RuleID, v.UserID, nullString(v.SessionID), string(v.Severity), data, dedupKey, v.CreatedAt.UTC(),
	).Scan(&id)
	recordQuery("insert_violation", start, err)

	switch {
	case errors.Is(err, sql.ErrNoRows), isConstraintViolation(err):
		return ErrDuplicateViolation
	case err != nil:
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// ApplyTrustPenalty lowers the user's trust score by penalty, clamped at
// zero, and returns the new score.
func (tx *Tx) ApplyTrustPenalty(ctx context.Context, userID string, penalty int) (int, error) {
	var score int
	err := tx.tx.QueryRowContext(ctx, `
		UPDATE users SET trust_score = GREATEST(0, trust_score - ?)
		WHERE id = ?
		RETURNING trust_score`, penalty, userID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to apply trust penalty to %s: %w", userID, err)
	}
	return score, nil
}

const violationDetailColumns = `v.id, v.rule_id, v.user_id, v.session_id, v.severity, v.data,
	v.acknowledged_at, v.created_at,
	COALESCE(r.name, ''), COALESCE(u.username, ''), COALESCE(u.trust_score, 0),
	COALESCE(u.server_id, ''), COALESCE(sv.name, '')`

const violationDetailJoins = `
	FROM violations v
	LEFT JOIN rules r ON r.id = v.rule_id
	LEFT JOIN users u ON u.id = v.user_id
	LEFT JOIN servers sv ON sv.id = u.server_id`

func scanViolationDetails(row interface{ Scan(...interface{}) error }) (*models.ViolationDetails, error) {
	var (
		d         models.ViolationDetails
		sessionID sql.NullString
		severity  string
		data      string
		ackAt     sql.NullTime
	)
	err := row.Scan(&d.ID, &d.RuleID, &d.UserID, &sessionID, &severity, &data,
		&ackAt, &d.CreatedAt,
		&d.RuleName, &d.Username, &d.TrustScore, &d.ServerID, &d.ServerName)
	if err != nil {
		return nil, err
	}
	d.SessionID = stringPtr(sessionID)
	d.Severity = models.Severity(severity)
	d.Data = []byte(data)
	d.AcknowledgedAt = timePtr(ackAt)
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

// GetViolationDetails returns a violation joined with display data.
func (db *DB) GetViolationDetails(ctx context.Context, id string) (*models.ViolationDetails, error) {
	d, err := scanViolationDetails(db.conn.QueryRowContext(ctx,
		`SELECT `+violationDetailColumns+violationDetailJoins+` WHERE v.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get violation %s: %w", id, err)
	}
	return d, nil
}

// ViolationFilter narrows ListViolations.
type ViolationFilter struct {
	Acknowledged *bool
	UserID       string
	RuleID       string
	Limit        int
}

// ListViolations returns violations newest first.
func (db *DB) ListViolations(ctx context.Context, f ViolationFilter) ([]*models.ViolationDetails, error) {
	query := `SELECT ` + violationDetailColumns + violationDetailJoins + ` WHERE 1=1`
	var args []interface{}
	if f.Acknowledged != nil {
		if *f.Acknowledged {
			query += ` AND v.acknowledged_at IS NOT NULL`
		} else {
			query += ` AND v.acknowledged_at IS NULL`
		}
	}
	if f.UserID != "" {
		query += ` AND v.user_id = ?`
		args = append(args, f.UserID)
	}
	if f.RuleID != "" {
		query += ` AND v.rule_id = ?`
		args = append(args, f.RuleID)
	}
	query += ` ORDER BY v.created_at DESC, v.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	recordQuery("list_violations", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.ViolationDetails
	for rows.Next() {
		d, err := scanViolationDetails(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AcknowledgeViolation marks a violation handled and frees its dedup slot so
// the same rule can fire again. Acknowledging twice is a no-op.
func (db *DB) AcknowledgeViolation(ctx context.Context, id string) (*models.ViolationDetails, error) {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		UPDATE violations SET acknowledged_at = ?, open_key = NULL
		WHERE id = ? AND acknowledged_at IS NULL`, time.Now().UTC(), id)
	recordQuery("acknowledge_violation", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge violation %s: %w", id, err)
	}
	return db.GetViolationDetails(ctx, id)
}
