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

	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/models"
)

// testDBSemaphore serialises DuckDB instances across parallel tests; each
// in-memory database reserves its own buffer pool.
var testDBSemaphore = make(chan struct{}, 2)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	db, err := New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return db
}

func seedUser(t *testing.T, db *DB, serverID, externalID string) *models.User {
	t.Helper()
	ctx := context.Background()
	if err := db.UpsertServer(ctx, &models.Server{ID: serverID, Name: "Server " + serverID, Type: "plex", URL: "http://x", Enabled: true}); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	u, err := db.UpsertUser(ctx, serverID, externalID, "user-"+externalID, "")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	return u
}

func TestNewCreatesSchema(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	for _, table := range []string{"servers", "users", "sessions", "rules", "violations"} {
		var n int
		if err := db.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
}

func TestIsTransactionConflict(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("TransactionContext Error: Transaction conflict: cannot update"), true},
		{errors.New("Conflict on update!"), true},
		{errors.New("Constraint Error: Duplicate key"), false},
	}
	for _, tt := range tests {
		if got := isTransactionConflict(tt.err); got != tt.want {
			t.Errorf("isTransactionConflict(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if !isConstraintViolation(errors.New(`Constraint Error: Duplicate key "open_key: x" violates unique constraint`)) {
		t.Error("expected constraint violation")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "srv", "1")

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ApplyTrustPenalty(ctx, u.ID, 50); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := db.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.TrustScore != models.DefaultTrustScore {
		t.Errorf("penalty should have rolled back, score = %d", got.TrustScore)
	}
}

func TestServers(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, s := range []*models.Server{
		{ID: "b", Name: "B", Type: "jellyfin", URL: "http://b", Enabled: false},
		{ID: "a", Name: "A", Type: "plex", URL: "http://a", Enabled: true},
	} {
		if err := db.UpsertServer(ctx, s); err != nil {
			t.Fatalf("UpsertServer: %v", err)
		}
	}
	if err := db.UpsertServer(ctx, &models.Server{ID: "a", Name: "A2", Type: "plex", URL: "http://a2", Enabled: true}); err != nil {
		t.Fatalf("UpsertServer update: %v", err)
	}

	all, err := db.ListServers(ctx, false)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[0].Name != "A2" {
		t.Fatalf("unexpected servers: %+v", all)
	}

	enabled, err := db.ListServers(ctx, true)
	if err != nil {
		t.Fatalf("ListServers enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != "a" {
		t.Errorf("expected only a enabled, got %+v", enabled)
	}

	if _, err := db.GetServer(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertUser(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := seedUser(t, db, "srv", "42")
	if first.TrustScore != models.DefaultTrustScore {
		t.Errorf("new user trust = %d, want %d", first.TrustScore, models.DefaultTrustScore)
	}

	again, err := db.UpsertUser(ctx, "srv", "42", "renamed", "thumb.png")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("id changed: %s -> %s", first.ID, again.ID)
	}
	if again.Username != "renamed" || again.Thumb != "thumb.png" {
		t.Errorf("display fields not refreshed: %+v", again)
	}

	other, err := db.UpsertUser(ctx, "other-srv", "42", "x", "")
	if err != nil {
		t.Fatalf("UpsertUser other server: %v", err)
	}
	if other.ID == first.ID {
		t.Error("same external id on another server must be a different user")
	}

	users, err := db.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %d", len(users))
	}
}

func TestTrustPenaltyClampsAtZero(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "srv", "1")

	var scores []int
	for i := 0; i < 6; i++ {
		err := db.WithTx(ctx, func(tx *Tx) error {
			score, err := tx.ApplyTrustPenalty(ctx, u.ID, models.SeverityHigh.Penalty())
			scores = append(scores, score)
			return err
		})
		if err != nil {
			t.Fatalf("ApplyTrustPenalty: %v", err)
		}
	}
	want := []int{80, 60, 40, 20, 0, 0}
	for i := range want {
		if scores[i] != want[i] {
			t.Fatalf("scores = %v, want %v", scores, want)
		}
	}

	err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ApplyTrustPenalty(ctx, "nobody", 5)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
}
