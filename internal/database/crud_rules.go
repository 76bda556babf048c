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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/logging"
)

const ruleColumns = `id, name, user_id, is_active, conditions, actions, created_at, updated_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*detection.Rule, error) {
	var (
		r          detection.Rule
		userID     sql.NullString
		conditions string
		actions    string
	)
	if err := row.Scan(&r.ID, &r.Name, &userID, &r.IsActive, &conditions, &actions, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.UserID = stringPtr(userID)
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s: failed to decode conditions: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
		return nil, fmt.Errorf("rule %s: failed to decode actions: %w", r.ID, err)
	}
	return &r, nil
}

// InsertRule validates and stores a rule, assigning an id and timestamps
// when unset.
func (db *DB) InsertRule(ctx context.Context, r *detection.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}

	start := time.Now()
	_, err = db.conn.ExecContext(ctx, `INSERT INTO rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, nullString(r.UserID), r.IsActive, string(conditions), string(actions),
		r.CreatedAt.UTC(), r.UpdatedAt)
	recordQuery("insert_rule", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert rule %s: %w", r.Name, err)
	}
	return nil
}

// GetRule returns one rule or ErrNotFound.
func (db *DB) GetRule(ctx context.Context, id string) (*detection.Rule, error) {
	r, err := scanRule(db.conn.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return r, nil
}

// ListRules returns rules ordered by creation. Rows whose JSON no longer
// decodes are skipped with a warning so one bad rule cannot stop detection.
func (db *DB) ListRules(ctx context.Context, activeOnly bool) ([]*detection.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at, id`

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query)
	recordQuery("list_rules", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer closeQuietly(rows)

	var rules []*detection.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("Skipping undecodable rule")
			continue
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetRuleActive toggles a rule.
func (db *DB) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE rules SET is_active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRules returns the number of stored rules.
func (db *DB) CountRules(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return n, nil
}

// SeedRules stores rules only when the rules table is empty and returns how
// many were inserted.
func (db *DB) SeedRules(ctx context.Context, rules []*detection.Rule) (int, error) {
	n, err := db.CountRules(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	for i, r := range rules {
		if err := db.InsertRule(ctx, r); err != nil {
			return i, fmt.Errorf("failed to seed rule %s: %w", r.Name, err)
		}
	}
	return len(rules), nil
}
