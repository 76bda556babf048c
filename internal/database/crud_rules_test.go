// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package database

import (
	"context"
	"errors"
	"testing"

	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/models"
)

func TestSeedRulesOnlyWhenEmpty(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	n, err := db.SeedRules(ctx, detection.DefaultRules())
	if err != nil {
		t.Fatalf("SeedRules: %v", err)
	}
	if n != len(detection.LegacyKinds) {
		t.Fatalf("seeded %d rules, want %d", n, len(detection.LegacyKinds))
	}

	n, err = db.SeedRules(ctx, detection.DefaultRules())
	if err != nil {
		t.Fatalf("SeedRules again: %v", err)
	}
	if n != 0 {
		t.Errorf("second seed inserted %d rules", n)
	}

	rules, err := db.ListRules(ctx, false)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rules) != len(detection.LegacyKinds) {
		t.Fatalf("expected %d rules, got %d", len(detection.LegacyKinds), len(rules))
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			t.Errorf("stored rule %s no longer validates: %v", r.Name, err)
		}
	}
}

func TestRuleRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	userID := "user-1"
	r, err := detection.LegacyRule(detection.LegacyConcurrentStreams, "Family limit", &userID)
	if err != nil {
		t.Fatalf("LegacyRule: %v", err)
	}
	r.Actions = append(r.Actions, detection.Action{Type: detection.ActionKillStream, Message: "Too many streams"})
	if err := db.InsertRule(ctx, r); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}

	got, err := db.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.UserID == nil || *got.UserID != userID {
		t.Errorf("scope lost: %v", got.UserID)
	}
	if sev, ok := got.ViolationSeverity(); !ok || sev != models.SeverityLow {
		t.Errorf("severity = %q, %v", sev, ok)
	}
	if !got.HasAction(detection.ActionKillStream) || got.Actions[1].Message != "Too many streams" {
		t.Errorf("actions not round-tripped: %+v", got.Actions)
	}
	cond := got.Conditions.Groups[0].Conditions[0]
	if n, ok := cond.Value.AsNumber(); !ok || n != 3 {
		t.Errorf("condition value = %v", cond.Value)
	}

	if err := db.SetRuleActive(ctx, r.ID, false); err != nil {
		t.Fatalf("SetRuleActive: %v", err)
	}
	active, err := db.ListRules(ctx, true)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("disabled rule still listed as active")
	}

	if err := db.SetRuleActive(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertRuleRejectsInvalid(t *testing.T) {
	db := setupTestDB(t)
	r := &detection.Rule{Name: "broken", IsActive: true}
	if err := db.InsertRule(context.Background(), r); err == nil {
		t.Fatal("expected validation error")
	}
}
