// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/sharewatch/internal/models"
)

func active(serverID, key, userID string, started time.Time) *models.ActiveSession {
	return &models.ActiveSession{
		Session: models.Session{
			ID:         "id-" + key,
			ServerID:   serverID,
			UserID:     userID,
			SessionKey: key,
			State:      models.StatePlaying,
			StartedAt:  started,
			Geo:        &models.GeoLocation{Country: "DE", Lat: 52.5, Lon: 13.4},
		},
		Username:   "alice",
		ServerName: "Home",
		ServerType: "plex",
	}
}

func TestActiveSessions(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := NewActiveSessions(store, "test")
			base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

			warm, err := a.IsWarm(ctx, "srv")
			if err != nil || warm {
				t.Fatalf("new cache should be cold: %v, %v", warm, err)
			}

			if err := a.Rebuild(ctx, "srv", []*models.ActiveSession{
				active("srv", "2", "u1", base.Add(time.Minute)),
				active("srv", "1", "u1", base),
			}); err != nil {
				t.Fatalf("Rebuild: %v", err)
			}
			if warm, _ := a.IsWarm(ctx, "srv"); !warm {
				t.Fatal("rebuild must set the warm marker")
			}

			if err := a.Put(ctx, active("srv", "3", "u2", base.Add(2*time.Minute))); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := a.Put(ctx, active("other", "9", "u1", base)); err != nil {
				t.Fatalf("Put: %v", err)
			}

			list, err := a.List(ctx, "srv")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 3 || list[0].SessionKey != "1" || list[2].SessionKey != "3" {
				t.Fatalf("unexpected list order: %d entries", len(list))
			}
			if list[0].Geo == nil || list[0].Geo.Country != "DE" || list[0].Username != "alice" {
				t.Errorf("projection fields lost: %+v", list[0])
			}

			mine, err := a.ListForUser(ctx, "srv", "u1")
			if err != nil {
				t.Fatalf("ListForUser: %v", err)
			}
			if len(mine) != 2 {
				t.Errorf("expected 2 sessions for u1, got %d", len(mine))
			}

			got, err := a.Get(ctx, "srv", "3")
			if err != nil || got == nil || got.UserID != "u2" {
				t.Fatalf("Get = %+v, %v", got, err)
			}
			if err := a.Remove(ctx, "srv", "3"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			got, err = a.Get(ctx, "srv", "3")
			if err != nil || got != nil {
				t.Errorf("expected miss after Remove, got %+v, %v", got, err)
			}

			// Rebuild replaces stale entries.
			if err := a.Rebuild(ctx, "srv", nil); err != nil {
				t.Fatalf("Rebuild empty: %v", err)
			}
			list, _ = a.List(ctx, "srv")
			if len(list) != 0 {
				t.Errorf("rebuild should clear old entries, got %d", len(list))
			}
		})
	}
}

func TestActiveSessionsDropsCorruptEntries(t *testing.T) {
	store := setupBadgerStore(t)
	ctx := context.Background()
	a := NewActiveSessions(store, "test")

	if err := store.HSet(ctx, a.hashKey("srv"), "bad", []byte("{not json")); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := a.Put(ctx, active("srv", "ok", "u", time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}

	list, err := a.List(ctx, "srv")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].SessionKey != "ok" {
		t.Fatalf("expected only the valid entry, got %d", len(list))
	}
	all, _ := store.HGetAll(ctx, a.hashKey("srv"))
	if _, ok := all["bad"]; ok {
		t.Error("corrupt entry should be removed")
	}
}
