// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package cache

import (
	"testing"
	"time"
)

func TestTTLExpiry(t *testing.T) {
	c := NewTTL[string](time.Minute)
	defer c.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("8.8.8.8", "US")
	c.PutFor("1.1.1.1", "AU", time.Hour)
	if v, ok := c.Get("8.8.8.8"); !ok || v != "US" {
		t.Fatalf("Get = %q, %v", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if v, ok := c.Get("8.8.8.8"); ok || v != "" {
		t.Fatalf("expired entry returned %q, %v", v, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Evictions != 1 || stats.Size != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestTTLNilValuesAreHits(t *testing.T) {
	c := NewTTL[*int](time.Minute)
	defer c.Close()

	c.PutFor("10.0.0.1", nil, time.Hour)
	v, ok := c.Get("10.0.0.1")
	if !ok || v != nil {
		t.Fatalf("Get = %v, %v; want nil hit", v, ok)
	}
}

func TestTTLPurgeAndForget(t *testing.T) {
	c := NewTTL[int](time.Minute)
	defer c.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("a", 1)
	c.PutFor("b", 2, time.Hour)
	now = now.Add(5 * time.Minute)
	c.purge()

	if stats := c.Stats(); stats.Size != 1 || !stats.LastCleanup.Equal(now) {
		t.Errorf("after purge: %+v", stats)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("long-lived entry removed")
	}

	c.Forget("b")
	c.Forget("missing")
	if _, ok := c.Get("b"); ok {
		t.Error("forgotten entry still present")
	}
	if stats := c.Stats(); stats.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", stats.Evictions)
	}
}
