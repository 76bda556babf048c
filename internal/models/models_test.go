// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package models

import (
	"errors"
	"testing"
)

func TestSeverityPenalty(t *testing.T) {
	tests := []struct {
		severity Severity
		penalty  int
		valid    bool
	}{
		{SeverityHigh, 20, true},
		{SeverityWarning, 10, true},
		{SeverityLow, 5, true},
		{Severity("critical"), 0, false},
		{Severity(""), 0, false},
	}
	for _, tt := range tests {
		if got := tt.severity.Penalty(); got != tt.penalty {
			t.Errorf("%q.Penalty() = %d, want %d", tt.severity, got, tt.penalty)
		}
		if got := tt.severity.Valid(); got != tt.valid {
			t.Errorf("%q.Valid() = %v, want %v", tt.severity, got, tt.valid)
		}
	}
}

func TestNormalizeState(t *testing.T) {
	tests := map[string]SessionState{
		"playing":   StatePlaying,
		"Paused":    StatePaused,
		"buffering": StatePlaying,
		"stopped":   StateStopped,
		"":          StatePlaying,
	}
	for in, want := range tests {
		if got := NormalizeState(in); got != want {
			t.Errorf("NormalizeState(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRawSessionValidate(t *testing.T) {
	valid := RawSession{SessionKey: "k", ExternalUserID: "u", RatingKey: "r"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*RawSession)
		want   error
	}{
		{"no session key", func(r *RawSession) { r.SessionKey = "" }, ErrMissingSessionKey},
		{"no user", func(r *RawSession) { r.ExternalUserID = "" }, ErrMissingUserID},
		{"no rating key", func(r *RawSession) { r.RatingKey = "" }, ErrMissingRatingKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDedupKey(t *testing.T) {
	sid := "s1"
	empty := ""
	if got := DedupKey("r", "u", &sid); got != "r:u:s1" {
		t.Errorf("DedupKey with session = %q", got)
	}
	if got := DedupKey("r", "u", nil); got != "r:u:none" {
		t.Errorf("DedupKey without session = %q", got)
	}
	if got := DedupKey("r", "u", &empty); got != "r:u:none" {
		t.Errorf("DedupKey with empty session = %q", got)
	}
}

func TestGeoHasCoordinates(t *testing.T) {
	var nilGeo *GeoLocation
	if nilGeo.HasCoordinates() {
		t.Error("nil geo should have no coordinates")
	}
	if (&GeoLocation{Lat: 0, Lon: 0}).HasCoordinates() {
		t.Error("0,0 is the unknown sentinel")
	}
	if !(&GeoLocation{Lat: 51.5, Lon: -0.12}).HasCoordinates() {
		t.Error("London should have coordinates")
	}
}
