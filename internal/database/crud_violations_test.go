// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/models"
)

func insertViolation(t *testing.T, db *DB, v *models.Violation) error {
	t.Helper()
	ctx := context.Background()
	key := models.DedupKey(v.RuleID, v.UserID, v.SessionID)
	return db.WithTx(ctx, func(tx *Tx) error {
		open, err := tx.HasOpenViolation(ctx, key)
		if err != nil {
			return err
		}
		if open {
			return ErrDuplicateViolation
		}
		if err := tx.InsertViolation(ctx, v, key); err != nil {
			return err
		}
		_, err = tx.ApplyTrustPenalty(ctx, v.UserID, v.Severity.Penalty())
		return err
	})
}

func newViolation(ruleID, userID string, sessionID *string) *models.Violation {
	return &models.Violation{
		ID:        uuid.New().String(),
		RuleID:    ruleID,
		UserID:    userID,
		SessionID: sessionID,
		Severity:  models.SeverityWarning,
		Data:      []byte(`{"concurrent_streams":4}`),
		CreatedAt: t0,
	}
}

func TestViolationDedupAndAcknowledge(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "srv", "1")

	rule, err := detection.LegacyRule(detection.LegacyConcurrentStreams, "Concurrent", nil)
	if err != nil {
		t.Fatalf("LegacyRule: %v", err)
	}
	if err := db.InsertRule(ctx, rule); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}

	sid := "sess-1"
	first := newViolation(rule.ID, u.ID, &sid)
	if err := insertViolation(t, db, first); err != nil {
		t.Fatalf("first violation: %v", err)
	}

	if err := insertViolation(t, db, newViolation(rule.ID, u.ID, &sid)); !errors.Is(err, ErrDuplicateViolation) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	// A different session is a different dedup slot.
	other := "sess-2"
	if err := insertViolation(t, db, newViolation(rule.ID, u.ID, &other)); err != nil {
		t.Fatalf("violation for other session: %v", err)
	}

	user, err := db.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.TrustScore != 80 {
		t.Errorf("trust score = %d, want 80 (duplicate must not be penalised)", user.TrustScore)
	}

	details, err := db.GetViolationDetails(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetViolationDetails: %v", err)
	}
	if details.RuleName != "Concurrent" || details.Username != "user-1" || details.ServerName != "Server srv" {
		t.Errorf("details not joined: %+v", details)
	}
	if details.SessionID == nil || *details.SessionID != sid || string(details.Data) != `{"concurrent_streams":4}` {
		t.Errorf("violation fields lost: %+v", details)
	}

	acked, err := db.AcknowledgeViolation(ctx, first.ID)
	if err != nil {
		t.Fatalf("AcknowledgeViolation: %v", err)
	}
	if acked.AcknowledgedAt == nil {
		t.Fatal("acknowledged_at not set")
	}
	if _, err := db.AcknowledgeViolation(ctx, first.ID); err != nil {
		t.Errorf("second acknowledge should be a no-op: %v", err)
	}

	// The slot is free again after acknowledgement.
	if err := insertViolation(t, db, newViolation(rule.ID, u.ID, &sid)); err != nil {
		t.Fatalf("violation after acknowledge: %v", err)
	}

	if _, err := db.AcknowledgeViolation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionlessViolationDedup(t *testing.T) {
	db := setupTestDB(t)
	u := seedUser(t, db, "srv", "1")

	if err := insertViolation(t, db, newViolation("rule-inactive", u.ID, nil)); err != nil {
		t.Fatalf("first: %v", err)
	}
	empty := ""
	if err := insertViolation(t, db, newViolation("rule-inactive", u.ID, &empty)); !errors.Is(err, ErrDuplicateViolation) {
		t.Fatalf("empty session id must share the none slot, got %v", err)
	}
}

func TestInsertViolationUniqueKeyIsFinalCheck(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "srv", "1")

	key := models.DedupKey("r", u.ID, nil)
	insert := func() error {
		return db.WithTx(ctx, func(tx *Tx) error {
			return tx.InsertViolation(ctx, newViolation("r", u.ID, nil), key)
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, ErrDuplicateViolation) {
		t.Fatalf("expected duplicate without the pre-check, got %v", err)
	}
}

func TestListViolationsFilter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "srv", "1")

	a := newViolation("r1", u.ID, nil)
	b := newViolation("r2", u.ID, nil)
	b.CreatedAt = t0.Add(time.Minute)
	for _, v := range []*models.Violation{a, b} {
		if err := insertViolation(t, db, v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := db.AcknowledgeViolation(ctx, a.ID); err != nil {
		t.Fatalf("AcknowledgeViolation: %v", err)
	}

	all, err := db.ListViolations(ctx, ViolationFilter{})
	if err != nil {
		t.Fatalf("ListViolations: %v", err)
	}
	if len(all) != 2 || all[0].ID != b.ID {
		t.Fatalf("expected newest first, got %d rows", len(all))
	}

	no := false
	open, err := db.ListViolations(ctx, ViolationFilter{Acknowledged: &no})
	if err != nil {
		t.Fatalf("ListViolations open: %v", err)
	}
	if len(open) != 1 || open[0].ID != b.ID {
		t.Errorf("expected only b open, got %+v", open)
	}

	byRule, err := db.ListViolations(ctx, ViolationFilter{RuleID: "r1", Limit: 10})
	if err != nil {
		t.Fatalf("ListViolations by rule: %v", err)
	}
	if len(byRule) != 1 || byRule[0].ID != a.ID {
		t.Errorf("rule filter failed: %+v", byRule)
	}
}
